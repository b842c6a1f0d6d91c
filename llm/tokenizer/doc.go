// Package tokenizer 为用量账本估算请求与响应的 Token 数。
//
// OpenAI 系列模型使用 tiktoken 精确计数，其余模型（以及 tiktoken 编码数据不可用时）
// 退回到区分 CJK 与拉丁字符的估算器。
package tokenizer
