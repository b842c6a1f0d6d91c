/*
Package safety 提供运行期间的紧急停止判断。

# 停止条件

  - 哨兵文件（默认 EMERGENCY_STOP）存在；
  - 最近一小时内的永久失败数达到 max_failures_per_hour；
  - 累计永久失败数达到 emergency_threshold。

阈值为 0 表示不启用该条件。一旦触发，Monitor 保持停止状态直到 Reset。

# 使用方式

	m := safety.NewMonitor(cfg.Safety, safety.WithLogger(logger))
	m.OnTrigger(func(t safety.Trigger) { logger.Error(t.Message) })

	s := batch.NewScheduler(d, store, sink, batchCfg, batch.WithMonitor(m))
	summary, err := s.Run(ctx, items, 4)
	if summary.Stopped {
	    _ = m.WriteReport(cfg.Safety.ReportPath, summary)
	}
*/
package safety
