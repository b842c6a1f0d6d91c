package augment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/qaforge/types"
)

// ParseVariations 从模型输出中提取变体。
// 取第一个 '[' 到最后一个 ']' 之间的 JSON；答案为空时沿用原答案。
func ParseVariations(text string, item types.WorkItem) ([]types.Variation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, malformed("empty response")
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, malformed("no JSON list in response")
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, malformed(fmt.Sprintf("invalid JSON list: %v", err))
	}

	out := make([]types.Variation, 0, len(raw))
	for _, elem := range raw {
		v, ok := decodeVariation(elem)
		if !ok {
			continue
		}
		if v.Answer == "" {
			v.Answer = item.Answer
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, malformed("response contained no usable variations")
	}
	return out, nil
}

func decodeVariation(elem json.RawMessage) (types.Variation, bool) {
	var s string
	if err := json.Unmarshal(elem, &s); err == nil {
		s = strings.TrimSpace(s)
		return types.Variation{Question: s}, s != ""
	}

	var m map[string]any
	if err := json.Unmarshal(elem, &m); err != nil {
		return types.Variation{}, false
	}
	v := types.Variation{
		Question: firstString(m, "question", "soru", "q"),
		Answer:   firstString(m, "answer", "cevap", "a"),
		Type:     firstString(m, "type", "tip"),
	}
	return v, v.Question != ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func malformed(msg string) *types.Error {
	return types.NewError(types.ErrMalformedResponse, msg).WithRetryable(true)
}
