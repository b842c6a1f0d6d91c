// Package fake 提供不访问网络的离线 Provider，用于 dry-run 与联调。
// 输出是由提示词哈希确定的合法变体 JSON 数组。
package fake

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/types"
)

// Config 离线 Provider 配置
type Config struct {
	ProviderName string
	Variations   int
	Latency      time.Duration
}

// Provider 离线实现
type Provider struct {
	cfg Config
}

var _ providers.Provider = (*Provider)(nil)

// New 创建离线 Provider
func New(cfg Config) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "fake"
	}
	if cfg.Variations <= 0 {
		cfg.Variations = 1
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

// Generate 返回确定性的变体数组
func (p *Provider) Generate(ctx context.Context, apiKey string, req *providers.Request) (*providers.Response, error) {
	if apiKey == "" {
		return nil, types.NewError(types.ErrAuthInvalid, "empty key").WithProvider(p.Name())
	}
	if p.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, providers.MapTransportError(ctx.Err(), p.Name())
		case <-time.After(p.cfg.Latency):
		}
	}

	sum := sha1.Sum([]byte(req.Prompt))
	tag := hex.EncodeToString(sum[:4])
	out := make([]map[string]string, 0, p.cfg.Variations)
	for i := 0; i < p.cfg.Variations; i++ {
		out = append(out, map[string]string{
			"question": fmt.Sprintf("variation %d of %s", i+1, tag),
			"answer":   "",
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &providers.Response{
		Text:  string(data),
		Model: "fake",
		Usage: providers.Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(data) / 4,
			TotalTokens:      (len(req.Prompt) + len(data)) / 4,
		},
		Latency: p.cfg.Latency,
	}, nil
}
