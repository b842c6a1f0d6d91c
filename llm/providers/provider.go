package providers

import (
	"context"
	"time"
)

// Request 是一次文本生成请求。凭证由调用方按次传入，Provider 本身不持有密钥。
type Request struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Usage token 用量，服务端未返回时为零
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response 是生成结果
type Response struct {
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
}

// Provider 是外部文本生成服务的适配接口。
//
// 返回的错误应为 *types.Error，Code 决定调度器的处理方式：
// RATE_LIMITED、QUOTA_EXHAUSTED、AUTH_INVALID、TRANSIENT、TIMEOUT、INVALID_REQUEST。
type Provider interface {
	Name() string
	Generate(ctx context.Context, apiKey string, req *Request) (*Response, error)
}

// ChooseModel 根据请求和默认值选择模型
func ChooseModel(req *Request, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}
