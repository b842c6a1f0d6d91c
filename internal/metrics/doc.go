// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的调度指标采集能力，覆盖
请求尝试、重试、凭证状态与批次进度四个维度。

# 概述

Collector 通过 promauto.With(registry) 注册全部指标，所有指标按
namespace 隔离。Collector 同时实现 llm.DispatchObserver 与
batch.Observer，由 cmd/qaforge 注入调度器与批次调度器；
qaforge run --metrics-addr 通过 promhttp 暴露 /metrics。

# 主要指标

  - dispatch_attempts_total：按 provider/credential/outcome 统计请求尝试。
  - dispatch_attempt_duration_seconds：请求耗时分布。
  - dispatch_retries_total：按 provider/kind 统计重试。
  - credentials：按 status 的凭证数量 Gauge，来自凭证池快照。
  - credential_transitions_total：凭证状态转换计数。
  - batches_committed_total、items_total、batch_duration_seconds：批次提交情况。
  - items_done、items_planned：运行进度 Gauge。
*/
package metrics
