// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 在运行期间暴露 Prometheus 指标与健康检查端点。

Manager 封装 net/http.Server，Start 在后台 goroutine 中服务，
Shutdown 在配置的超时内排空请求。Handler 组装 /metrics 与 /healthz。
*/
package server
