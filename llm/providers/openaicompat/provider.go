// =============================================================================
// qaforge OpenAI-Compatible Provider
// =============================================================================
// 通用 Chat Completions 实现，密钥由调用方按次传入。
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/qaforge/internal/tlsutil"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
)

const (
	defaultBaseURL  = "https://api.openai.com"
	defaultEndpoint = "/v1/chat/completions"
	defaultModel    = "gpt-4o-mini"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the profile name reported in errors and logs.
	ProviderName string

	// BaseURL is the base URL for the provider's API. Defaults to api.openai.com.
	BaseURL string

	// DefaultModel is the model to use when none is specified in the request.
	DefaultModel string

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// BuildHeaders is an optional function to set custom headers on each request.
	// If nil, the default "Authorization: Bearer <apiKey>" header is used.
	BuildHeaders func(req *http.Request, apiKey string)

	// HTTPClient overrides the TLS-hardened default client.
	HTTPClient *http.Client
}

// Provider implements providers.Provider over HTTP.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New creates a new OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = defaultEndpoint
	}
	if cfg.BuildHeaders == nil {
		cfg.BuildHeaders = providers.BearerTokenHeaders
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = tlsutil.SecureHTTPClient(cfg.Timeout)
	}
	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "openaicompat"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

// Generate performs a single non-streaming chat completion.
func (p *Provider) Generate(ctx context.Context, apiKey string, req *providers.Request) (*providers.Response, error) {
	start := time.Now()
	model := providers.ChooseModel(req, p.cfg.DefaultModel, defaultModel)

	payload, err := json.Marshal(providers.BuildOpenAICompatRequest(req, model))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to marshal request").
			WithCause(err).WithProvider(p.Name())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to create request").
			WithCause(err).WithProvider(p.Name())
	}
	p.cfg.BuildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		p.logger.Debug("upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.MalformedResponse(p.Name(), fmt.Sprintf("decode response: %v", err))
	}

	result, err := providers.ToResponse(oaResp, p.Name())
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = model
	}
	result.Latency = time.Since(start)
	return result, nil
}
