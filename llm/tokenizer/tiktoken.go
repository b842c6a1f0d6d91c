package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 使用 tiktoken 为 OpenAI 模型计数
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// 模型前缀到编码的映射，越具体的前缀越靠前
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4.1", "o200k_base"},
	{"gpt-5", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"o4", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding-", "cl100k_base"},
}

// NewTiktokenTokenizer 创建计数器，未知模型使用 cl100k_base
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	encoding := "cl100k_base"
	m := strings.ToLower(model)
	for _, e := range modelEncodings {
		if strings.HasPrefix(m, e.prefix) {
			encoding = e.encoding
			break
		}
	}
	return &TiktokenTokenizer{model: model, encoding: encoding}
}

// init 首次使用时加载编码（可能需要下载数据）
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens 实现 Counter
func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Encoding 返回编码名
func (t *TiktokenTokenizer) Encoding() string {
	return t.encoding
}

// Name 实现 Counter
func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
