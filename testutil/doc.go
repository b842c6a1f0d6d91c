// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 qaforge 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertItemIDs / AssertJSONEqual
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 时钟: FakeClock，可注入凭证池、限速器与安全监控
  - 数据工具: MustJSON / MustParseJSON / ReadJSONL

# 子包

  - testutil/mocks: ScriptedProvider，按调用序号或按密钥编排响应与错误
  - testutil/fixtures: 工作项与变体响应样例

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewScriptedProvider("p").
		Then(mocks.Step{Err: rateLimitErr}).
		WithDefault(fixtures.VariationsJSON(2))
	resp, err := provider.Generate(ctx, "key", req)
	require.NoError(t, err)
*/
package testutil
