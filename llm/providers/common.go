package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/BaSui01/qaforge/types"
)

// 硬性配额关键字：这类错误不会随时间窗口恢复
var hardQuotaMarkers = []string{
	"insufficient_quota",
	"exceeded your current quota",
	"billing",
	"credit balance",
}

// 软限速关键字
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"resource_exhausted",
	"too many requests",
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// MapHTTPError 将 HTTP 状态码与错误消息映射为带有合适重试标记的 types.Error
// 这是所有提供者使用的通用错误映射函数
func MapHTTPError(status int, msg string, provider string) *types.Error {
	newErr := func(code types.ErrorCode, retryable bool) *types.Error {
		return &types.Error{
			Code:       code,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  retryable,
			Provider:   provider,
		}
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return newErr(types.ErrAuthInvalid, false)
	case status == http.StatusTooManyRequests:
		if containsAny(msg, hardQuotaMarkers) {
			return newErr(types.ErrQuotaExhausted, true)
		}
		return newErr(types.ErrRateLimited, true)
	case status == http.StatusPaymentRequired:
		return newErr(types.ErrQuotaExhausted, true)
	case status == http.StatusRequestTimeout:
		return newErr(types.ErrTimeout, true)
	case status == 529: // 部分服务商用于模型过载
		return newErr(types.ErrTransient, true)
	case status >= 500:
		return newErr(types.ErrTransient, true)
	case status >= 400:
		// 部分服务商用 400 返回配额问题
		if containsAny(msg, hardQuotaMarkers) {
			return newErr(types.ErrQuotaExhausted, true)
		}
		if containsAny(msg, rateLimitMarkers) {
			return newErr(types.ErrRateLimited, true)
		}
		return newErr(types.ErrInvalidRequest, false)
	default:
		return newErr(types.ErrTransient, true)
	}
}

// MapTransportError 将网络层错误映射为 TRANSIENT 或 TIMEOUT
func MapTransportError(err error, provider string) *types.Error {
	code := types.ErrTransient
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = types.ErrTimeout
	}
	return types.NewError(code, err.Error()).
		WithCause(err).
		WithRetryable(true).
		WithProvider(provider)
}

// MalformedResponse 构造响应无法解析的错误
func MalformedResponse(provider, msg string) *types.Error {
	return types.NewError(types.ErrMalformedResponse, msg).
		WithRetryable(true).
		WithProvider(provider)
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		kind := errResp.Error.Type
		if kind == "" {
			kind = errResp.Error.Status
		}
		if code, ok := errResp.Error.Code.(string); ok && code != "" && code != kind {
			kind = strings.TrimPrefix(kind+" "+code, " ")
		}
		if kind != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, kind)
		}
		return errResp.Error.Message
	}

	return strings.TrimSpace(string(data))
}

// BearerTokenHeaders 是标准的 Bearer token 认证 header 构建函数
func BearerTokenHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
}

// SafeCloseBody 安全关闭 HTTP 响应体并忽略错误
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
		_ = body.Close()
	}
}

// OpenAI 兼容 API 通用类型

// OpenAICompatMessage 表示 OpenAI 兼容的消息格式.
type OpenAICompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAICompatRequest 表示 OpenAI 兼容的聊天完成请求.
type OpenAICompatRequest struct {
	Model       string                `json:"model"`
	Messages    []OpenAICompatMessage `json:"messages"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature float32               `json:"temperature,omitempty"`
}

// OpenAICompatChoice 表示 OpenAI 兼容响应中的单个选项.
type OpenAICompatChoice struct {
	Index        int                 `json:"index"`
	FinishReason string              `json:"finish_reason"`
	Message      OpenAICompatMessage `json:"message"`
}

// OpenAICompatUsage 表示 OpenAI 兼容响应中的 token 用量.
type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAICompatResponse 表示 OpenAI 兼容的聊天完成响应.
type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created,omitempty"`
}

// BuildOpenAICompatRequest 由生成请求构造 chat completions 请求体
func BuildOpenAICompatRequest(req *Request, model string) OpenAICompatRequest {
	msgs := make([]OpenAICompatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, OpenAICompatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, OpenAICompatMessage{Role: "user", Content: req.Prompt})
	return OpenAICompatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// ToResponse 取第一个选项作为生成文本
func ToResponse(oa OpenAICompatResponse, provider string) (*Response, error) {
	if len(oa.Choices) == 0 {
		return nil, MalformedResponse(provider, "response has no choices")
	}
	resp := &Response{
		Text:         oa.Choices[0].Message.Content,
		Model:        oa.Model,
		FinishReason: oa.Choices[0].FinishReason,
	}
	if oa.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     oa.Usage.PromptTokens,
			CompletionTokens: oa.Usage.CompletionTokens,
			TotalTokens:      oa.Usage.TotalTokens,
		}
	}
	return resp, nil
}
