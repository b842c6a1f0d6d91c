// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 qaforge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、checkpoint、dataset
等上层模块提供统一的类型契约。

# 核心类型

  - WorkItem：一条待增强的源记录（问答对或文本块）
  - Batch：有序的 WorkItem 分组，checkpoint 单位
  - Variation：一条生成的改写
  - GenerationResult：单次 Generate 的结果
  - OutputRecord：输出 JSONL 的一行
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 错误工具链

AsError / IsErrorCode / IsRetryable / GetErrorCode。哨兵错误 ErrNoHealthy、
ErrCorruption、ErrDuplicate、ErrEmergencyStop 按错误码比较，可直接用于 errors.Is。
*/
package types
