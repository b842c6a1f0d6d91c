package factory

import (
	"testing"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/providers/fake"
	"github.com/BaSui01/qaforge/llm/providers/gemini"
	"github.com/BaSui01/qaforge/llm/providers/openaicompat"
	"github.com/BaSui01/qaforge/testutil"
	"github.com/BaSui01/qaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewProvider_Kinds(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name string
		cfg  config.ProviderConfig
		want any
	}{
		{"openai", config.ProviderConfig{Name: "openai", Kind: "openai", Model: "gpt-4o-mini"}, &openaicompat.Provider{}},
		{"openai compatible default kind", config.ProviderConfig{Name: "local", BaseURL: "http://localhost:8080", Model: "m"}, &openaicompat.Provider{}},
		{"gemini", config.ProviderConfig{Name: "gemini", Kind: "gemini", Model: "gemini-1.5-flash"}, &gemini.Provider{}},
		{"fake", config.ProviderConfig{Name: "dry", Kind: "fake", Model: "none"}, &fake.Provider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, time.Second, logger)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
			assert.Equal(t, tt.cfg.Name, p.Name())
		})
	}
}

func TestNewProvider_Invalid(t *testing.T) {
	_, err := NewProvider(config.ProviderConfig{Name: "x", Kind: "claude"}, 0, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	_, err = NewProvider(config.ProviderConfig{Kind: "fake"}, 0, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestNewProviders(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "b", Kind: "fake", Enabled: true},
		{Name: "off", Kind: "fake"},
		{Name: "a", Kind: "fake", Enabled: true},
	}
	provs, err := NewProviders(cfgs, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, Names(provs))

	_, err = NewProviders(cfgs[1:2], 0, nil)
	assert.Error(t, err, "nothing enabled")

	_, err = NewProviders(append(cfgs, cfgs[0]), 0, nil)
	assert.Error(t, err, "duplicate name")
}

func TestFakeProviderGenerates(t *testing.T) {
	p, err := NewProvider(config.ProviderConfig{Name: "dry", Kind: "fake"}, 0, nil)
	require.NoError(t, err)

	resp, err := p.Generate(testutil.TestContext(t), "fake-key-0001", &providers.Request{Prompt: "rewrite this"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Text)

	assert.NoError(t, CloseAll(map[string]providers.Provider{"dry": p}))
}
