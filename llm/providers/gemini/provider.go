package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/types"
	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-1.5-flash"

// Config Gemini Provider 配置
type Config struct {
	ProviderName string
	DefaultModel string
	Temperature  float32
	MaxTokens    int
	// Endpoint 覆盖 API 地址，测试或代理时使用
	Endpoint string
}

// Provider 基于 generative-ai-go 的实现
type Provider struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

var _ providers.Provider = (*Provider)(nil)

// NewGeminiProvider 创建 Gemini Provider
func NewGeminiProvider(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "gemini"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "gemini"), zap.String("provider", cfg.ProviderName)),
		clients: make(map[string]*genai.Client),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[apiKey]; ok {
		return c, nil
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if p.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.Endpoint))
	}
	// 客户端生命周期跟随 Provider，而非单次请求
	c, err := genai.NewClient(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, err
	}
	p.clients[apiKey] = c
	return c, nil
}

// Generate 调用 generateContent
func (p *Provider) Generate(ctx context.Context, apiKey string, req *providers.Request) (*providers.Response, error) {
	if apiKey == "" {
		return nil, types.NewError(types.ErrAuthInvalid, "API key is required").WithProvider(p.Name())
	}
	start := time.Now()

	client, err := p.client(ctx, apiKey)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to create Gemini client").
			WithCause(err).WithProvider(p.Name())
	}

	modelName := providers.ChooseModel(req, p.cfg.DefaultModel, defaultModel)
	model := client.GenerativeModel(modelName)
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}
	if temperature > 0 {
		model.SetTemperature(temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, p.mapError(err)
	}

	text, finish, err := extractText(resp)
	if err != nil {
		return nil, providers.MalformedResponse(p.Name(), err.Error())
	}

	out := &providers.Response{
		Text:         text,
		Model:        modelName,
		FinishReason: finish,
		Latency:      time.Since(start),
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Close 释放所有客户端
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}

func (p *Provider) mapError(err error) *types.Error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return types.NewError(types.ErrInvalidRequest, blocked.Error()).
			WithCause(err).WithProvider(p.Name())
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return providers.MapHTTPError(apiErr.Code, apiErr.Message, p.Name()).WithCause(err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return providers.MapTransportError(err, p.Name())
	}

	// gRPC 风格的状态只出现在消息里
	msg := err.Error()
	switch {
	case strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(msg, "Error 429"):
		return providers.MapHTTPError(http.StatusTooManyRequests, msg, p.Name()).WithCause(err)
	case strings.Contains(msg, "API key not valid"),
		strings.Contains(msg, "API_KEY_INVALID"),
		strings.Contains(msg, "PERMISSION_DENIED"),
		strings.Contains(msg, "UNAUTHENTICATED"):
		return providers.MapHTTPError(http.StatusUnauthorized, msg, p.Name()).WithCause(err)
	case strings.Contains(msg, "INVALID_ARGUMENT"):
		return providers.MapHTTPError(http.StatusBadRequest, msg, p.Name()).WithCause(err)
	}
	return providers.MapTransportError(err, p.Name())
}

func extractText(resp *genai.GenerateContentResponse) (string, string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), candidate.FinishReason.String(), nil
}
