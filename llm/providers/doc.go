// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 定义文本生成服务的统一接口与共享辅助能力。具体实现位于
子包：openaicompat（OpenAI Chat Completions 兼容服务）、gemini
（generative-ai-go SDK）、fake（离线确定性输出）。

# 核心类型

  - Provider：Name / Generate(ctx, apiKey, req)，密钥按次传入，
    使一个 Provider 实例服务同一配置下的全部凭证
  - Request / Response / Usage：生成请求、结果与 token 用量
  - OpenAICompat* 系列：OpenAI 兼容 API 的请求/响应结构体

# 核心函数

  - MapHTTPError：将 HTTP 状态码与错误消息映射为 types.Error：
    401/403 → AUTH_INVALID，429 → RATE_LIMITED 或 QUOTA_EXHAUSTED，
    408 → TIMEOUT，5xx/529 → TRANSIENT，其余 4xx → INVALID_REQUEST
  - MapTransportError：网络错误映射为 TRANSIENT 或 TIMEOUT
  - MalformedResponse：空响应或无法解析的响应
  - ReadErrorMessage：解析 JSON 错误体，失败回退为原始文本
  - ChooseModel：按优先级选择模型（请求 > 默认 > 兜底）
*/
package providers
