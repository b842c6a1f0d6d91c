// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供多提供商、多密钥的生成调度层：凭证池与单条 WorkItem 的调度器。

# 概述

[CredentialPool] 持有所有提供商的 API 密钥，负责选择、健康状态迁移、
冷却恢复以及运行中注入新密钥。[Dispatcher] 为每个 WorkItem 选择凭证，
经 ratelimit.Governor 限速后调用 providers.Provider，并按失败类型决定
轮换凭证、退避重试或放弃。

# 凭证状态

  - healthy：可被选择
  - rate_limited：冷却到期后自动恢复
  - exhausted：配额耗尽或连续失败触发熔断，冷却到期后恢复
  - invalid：鉴权失败，本次运行内永久排除

所有状态变化通过 [CredentialPool.OnStateChange] 通知，internal/metrics 用它
统计状态迁移。

# 调度

  - 每个 WorkItem 最多尝试 DispatcherConfig.MaxAttempts 次
  - 限速与配额失败立即换用其他凭证，不计入退避
  - 传输类失败按 retry.RetryPolicy 退避
  - 池中没有可用凭证时等待注入，超时后返回 NO_HEALTHY_CREDENTIAL，
    调用方应停止整个运行

# 相关子包

  - llm/providers：Provider 接口与 openai 兼容、gemini、离线实现
  - llm/factory：按配置创建 Provider
  - llm/ratelimit：按凭证的节奏与每分钟窗口
  - llm/retry：退避策略
  - llm/batch：有界并发的批次调度器
  - llm/circuitbreaker：凭证级熔断
  - llm/tokenizer：Token 估算
*/
package llm
