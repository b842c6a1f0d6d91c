// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 ratelimit 提供按凭证维度的请求节奏控制。

# 概述

Governor 为每个凭证维护两类约束：

  - 自适应间隔：从提供商配置的 rate_limit_delay 起步，每次限速翻倍
    （上限 max_delay），连续成功 decay_after 次后按 decay_factor 衰减，
    不低于基础值。间隔由 golang.org/x/time/rate 的 Limiter 落实。
  - 滑动窗口：窗口内（默认 60s）的请求数不超过
    max_requests_per_minute，0 表示不限制。Permit 在返回 true 时
    同时占用名额，检查与占用是原子的。

# 核心接口

  - Reserve / DelayFor / Permit / NextSlot：调度前的等待与配额检查，
    Permit 拒绝后调用方 Cancel 预约的 Slot
  - ReportSuccess / ReportRateLimited：反馈给自适应间隔
  - UpdateProfiles：配置热更新后替换基础间隔与配额
  - Snapshot：当前间隔与窗口占用，用于进度报告
*/
package ratelimit
