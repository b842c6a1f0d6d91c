// Package ledger 把每次发出的生成请求记入数据库，用于事后核算用量与成本。
//
// Ledger 实现 llm.UsageRecorder：写入在独立 goroutine 中完成并带 panic 恢复，
// 不会阻塞调度。Token 数由 llm/tokenizer 估算，成本按 price_per_1k_tokens 计算。
// 支持 sqlite（默认）、postgres 与 mysql。
package ledger
