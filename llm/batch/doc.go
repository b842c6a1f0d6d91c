// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 batch 把整份数据集切分为批次，交给有界 Worker 池并发处理，
并由唯一的提交者按批次序号顺序写出结果与断点。

# 概述

Scheduler 从断点恢复游标与已完成 ID，跳过已完成条目，按 batch_size
切分剩余条目。批次序号从断点游标继续编号。每个 Worker 顺序处理自己
的批次，可重试的失败在批内重新排队，次数受 requeue_limit 限制。

# 顺序提交

提交者缓存提前完成的批次，只有序号等于下一个待提交序号时才写出：
先按输入顺序追加输出并 fsync，再调用 Store.RecordBatchComplete。
令牌信号量限制"已派发但未提交"的批次数量不超过并发度。

# 停止

  - Monitor.ShouldStop 在派发每个批次前检查，停止后不再派发新批次，
    已在处理中的批次正常完成并提交。
  - 致命错误（没有可用凭证）立即取消派发，已完成的批次照常提交，
    断点刷盘后返回错误。

# 使用方式

	s := batch.NewScheduler(dispatcher, store, sink, batch.Config{BatchSize: 10},
	    batch.WithMonitor(monitor), batch.WithKeySource(keyManager))
	summary, err := s.Run(ctx, items, 3)
*/
package batch
