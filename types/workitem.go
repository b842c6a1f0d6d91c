package types

import "time"

// WorkItem 是一条待增强的源记录。
type WorkItem struct {
	ID             string         `json:"id"`
	Index          int            `json:"index"`
	Question       string         `json:"question,omitempty"`
	Answer         string         `json:"answer,omitempty"`
	Text           string         `json:"text,omitempty"`
	Variations     int            `json:"variations"`
	VariationTypes map[string]int `json:"variation_types,omitempty"`
}

// IsChunk reports whether the item is a raw text chunk rather than a QA pair.
func (w WorkItem) IsChunk() bool {
	return w.Question == "" && w.Text != ""
}

// Batch 是一组有序的 WorkItem，也是 checkpoint 的最小单位。
type Batch struct {
	Index int        `json:"index"`
	Items []WorkItem `json:"items"`
}

// IDs returns the item identifiers in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.ID
	}
	return ids
}

// Variation 是模型生成的一条改写。
type Variation struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Type     string `json:"type,omitempty"`
}

// GenerationResult 是一次 Generate 调用的结果，成功或失败。
type GenerationResult struct {
	ItemID       string        `json:"item_id"`
	Variations   []Variation   `json:"variations,omitempty"`
	CredentialID string        `json:"credential_id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Latency      time.Duration `json:"latency"`
	Attempts     int           `json:"attempts"`
	Err          *Error        `json:"error,omitempty"`
}

// Success reports whether the item produced output.
func (r GenerationResult) Success() bool {
	return r.Err == nil
}

// Fatal reports whether the failure must abort the whole run.
func (r GenerationResult) Fatal() bool {
	return r.Err != nil && r.Err.Code == ErrNoHealthyCredential
}

// OutputRecord 是输出 JSONL 文件中的一行。
type OutputRecord struct {
	ID         string      `json:"id"`
	Index      int         `json:"index"`
	Question   string      `json:"question,omitempty"`
	Answer     string      `json:"answer,omitempty"`
	Text       string      `json:"text,omitempty"`
	Variations []Variation `json:"variations"`
	Provider   string      `json:"provider"`
	Credential string      `json:"credential"`
	LatencyMS  int64       `json:"latency_ms"`
}

// NewOutputRecord builds the output line for a successful result.
func NewOutputRecord(item WorkItem, res GenerationResult) OutputRecord {
	return OutputRecord{
		ID:         item.ID,
		Index:      item.Index,
		Question:   item.Question,
		Answer:     item.Answer,
		Text:       item.Text,
		Variations: res.Variations,
		Provider:   res.Provider,
		Credential: res.CredentialID,
		LatencyMS:  res.Latency.Milliseconds(),
	}
}
