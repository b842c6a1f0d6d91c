// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 gemini 提供 Google Gemini 模型的 Provider 适配实现，基于官方
generative-ai-go SDK。每个 API Key 对应一个懒加载的 genai.Client，
由调用方在每次 Generate 时传入密钥。

# 核心结构体

  - Provider：持有按密钥缓存的 genai.Client 与默认模型
  - Config：默认模型、温度、最大输出 token

# 错误映射

SDK 返回的 googleapi.Error 按 HTTP 状态码走 providers.MapHTTPError；
无状态码的错误按消息中的 RESOURCE_EXHAUSTED / PERMISSION_DENIED 等
关键字归类；被安全策略拦截的请求归为 INVALID_REQUEST。
*/
package gemini
