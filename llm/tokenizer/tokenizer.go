package tokenizer

import "strings"

// Counter 统计文本的 Token 数
type Counter interface {
	CountTokens(text string) (int, error)
	Name() string
}

// openAIPrefixes 使用 tiktoken 编码的模型前缀
var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "text-embedding-"}

// IsOpenAIModel 判断模型是否属于 OpenAI 系列
func IsOpenAIModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range openAIPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// ForModel 返回模型对应的计数器。
// 非 OpenAI 模型直接使用估算器；OpenAI 模型在 tiktoken 初始化失败时也会退回估算器。
func ForModel(model string) Counter {
	est := NewEstimatorTokenizer(model)
	if !IsOpenAIModel(model) {
		return est
	}
	return &fallbackCounter{primary: NewTiktokenTokenizer(model), fallback: est}
}

type fallbackCounter struct {
	primary  Counter
	fallback Counter
}

func (f *fallbackCounter) CountTokens(text string) (int, error) {
	n, err := f.primary.CountTokens(text)
	if err == nil {
		return n, nil
	}
	return f.fallback.CountTokens(text)
}

func (f *fallbackCounter) Name() string {
	return f.primary.Name() + "|" + f.fallback.Name()
}

// Count 计数并吞掉错误，出错时返回 0
func Count(c Counter, text string) int {
	n, err := c.CountTokens(text)
	if err != nil {
		return 0
	}
	return n
}
