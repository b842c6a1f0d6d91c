package tokenizer

import (
	"unicode/utf8"
)

// EstimatorTokenizer 基于字符数的估算器。
// CJK 约 1.5 字符/Token，其余约 4 字符/Token。
type EstimatorTokenizer struct {
	model string
}

// NewEstimatorTokenizer 创建估算器
func NewEstimatorTokenizer(model string) *EstimatorTokenizer {
	return &EstimatorTokenizer{model: model}
}

// CountTokens 实现 Counter
func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

// Name 实现 Counter
func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
