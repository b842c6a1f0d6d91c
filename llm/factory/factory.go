package factory

import (
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/providers/fake"
	"github.com/BaSui01/qaforge/llm/providers/gemini"
	"github.com/BaSui01/qaforge/llm/providers/openaicompat"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
)

// Kinds 返回支持的提供商类型
func Kinds() []string {
	return []string{"fake", "gemini", "openai"}
}

// NewProvider 按 cfg.Kind 创建 Provider。
// timeout 为 HTTP 客户端超时，0 使用各实现的默认值。
func NewProvider(cfg config.ProviderConfig, timeout time.Duration, logger *zap.Logger) (providers.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, types.NewError(types.ErrInvalidInput, "provider name is empty")
	}

	switch cfg.Kind {
	case "openai", "":
		return openaicompat.New(openaicompat.Config{
			ProviderName: cfg.Name,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      timeout,
		}, logger), nil

	case "gemini":
		return gemini.NewGeminiProvider(gemini.Config{
			ProviderName: cfg.Name,
			DefaultModel: cfg.Model,
			Temperature:  float32(cfg.Temperature),
			MaxTokens:    cfg.MaxTokens,
			Endpoint:     cfg.BaseURL,
		}, logger), nil

	case "fake":
		return fake.New(fake.Config{ProviderName: cfg.Name, Variations: 2}), nil

	default:
		return nil, types.NewError(types.ErrInvalidInput,
			fmt.Sprintf("unsupported provider kind %q for %s", cfg.Kind, cfg.Name))
	}
}

// NewProviders 为所有启用的提供商创建 Provider，按名称索引
func NewProviders(cfgs []config.ProviderConfig, timeout time.Duration, logger *zap.Logger) (map[string]providers.Provider, error) {
	out := make(map[string]providers.Provider, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if _, dup := out[cfg.Name]; dup {
			return nil, types.NewError(types.ErrInvalidInput, "duplicate provider name "+cfg.Name)
		}
		p, err := NewProvider(cfg, timeout, logger)
		if err != nil {
			return nil, err
		}
		out[cfg.Name] = p
	}
	if len(out) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "no enabled providers")
	}
	return out, nil
}

// Names 返回排序后的提供商名称
func Names(provs map[string]providers.Provider) []string {
	names := make([]string, 0, len(provs))
	for name := range provs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Closer 由持有客户端资源的 Provider 实现
type Closer interface {
	Close() error
}

// CloseAll 关闭实现了 Closer 的 Provider
func CloseAll(provs map[string]providers.Provider) error {
	var firstErr error
	for _, name := range Names(provs) {
		if c, ok := provs[name].(Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close provider %s: %w", name, err)
			}
		}
	}
	return firstErr
}
