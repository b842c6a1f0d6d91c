package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/retry"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
)

// Prober 在注入前验证密钥可用
type Prober interface {
	Probe(ctx context.Context, provider, secret string) error
}

// ProbeFunc 函数适配器
type ProbeFunc func(ctx context.Context, provider, secret string) error

// Probe 实现 Prober
func (f ProbeFunc) Probe(ctx context.Context, provider, secret string) error {
	return f(ctx, provider, secret)
}

// ProviderProber 通过一次极小的生成请求探测密钥。
// 限流与配额耗尽视为密钥有效，只是暂时不可用。
type ProviderProber struct {
	providers map[string]providers.Provider
	profiles  map[string]config.ProviderConfig
	retryer   retry.Retryer
	timeout   time.Duration
}

// NewProviderProber 创建探测器，瞬时错误按 policy 重试
func NewProviderProber(provs map[string]providers.Provider, profiles []config.ProviderConfig,
	policy *retry.RetryPolicy, timeout time.Duration, logger *zap.Logger) *ProviderProber {
	if policy == nil {
		policy = retry.DefaultRetryPolicy()
	}
	// 限流直接视为探测通过，不必重试
	policy.ShouldRetry = func(err error) bool {
		return retry.TransientOnly(err) && !types.IsErrorCode(err, types.ErrRateLimited)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]config.ProviderConfig, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &ProviderProber{
		providers: provs,
		profiles:  byName,
		retryer:   retry.NewBackoffRetryer(policy, logger.With(zap.String("component", "key_prober"))),
		timeout:   timeout,
	}
}

// Probe 实现 Prober
func (p *ProviderProber) Probe(ctx context.Context, provider, secret string) error {
	prov, ok := p.providers[provider]
	if !ok {
		return types.NewError(types.ErrInvalidInput, fmt.Sprintf("unknown provider %q", provider))
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	req := &providers.Request{
		Model:     p.profiles[provider].Model,
		Prompt:    "Test",
		MaxTokens: 8,
	}
	_, err := retry.DoTyped(p.retryer, ctx, func() (*providers.Response, error) {
		resp, err := prov.Generate(ctx, secret, req)
		if err != nil {
			return nil, err
		}
		if resp.Text == "" {
			return nil, types.NewError(types.ErrMalformedResponse, "empty probe response").WithProvider(provider)
		}
		return resp, nil
	})
	if err == nil {
		return nil
	}
	switch types.GetErrorCode(err) {
	case types.ErrRateLimited, types.ErrQuotaExhausted:
		return nil
	}
	return err
}
