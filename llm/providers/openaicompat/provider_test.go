package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ProviderName: "test",
		BaseURL:      srv.URL,
		DefaultModel: "test-model",
		HTTPClient:   srv.Client(),
	}, zaptest.NewLogger(t))
}

func TestGenerate_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-secret", r.Header.Get("Authorization"))

		var body providers.OpenAICompatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "user", body.Messages[0].Role)
		assert.Equal(t, "hello", body.Messages[0].Content)

		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			ID:    "resp-1",
			Model: "test-model",
			Choices: []providers.OpenAICompatChoice{{
				FinishReason: "stop",
				Message:      providers.OpenAICompatMessage{Role: "assistant", Content: `["a","b"]`},
			}},
			Usage: &providers.OpenAICompatUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
		})
	})

	resp, err := p.Generate(context.Background(), "sk-secret", &providers.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, resp.Text)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided"}}`, types.ErrAuthInvalid},
		{"forbidden", http.StatusForbidden, `{"error":{"message":"denied"}}`, types.ErrAuthInvalid},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, types.ErrRateLimited},
		{"insufficient quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`, types.ErrQuotaExhausted},
		{"server error", http.StatusInternalServerError, `oops`, types.ErrTransient},
		{"bad gateway", http.StatusBadGateway, ``, types.ErrTransient},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"invalid model"}}`, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.Generate(context.Background(), "k", &providers.Request{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, types.GetErrorCode(err))
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "test", e.Provider)
		})
	}
}

func TestGenerate_Malformed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := p.Generate(context.Background(), "k", &providers.Request{Prompt: "x"})
	assert.Equal(t, types.ErrMalformedResponse, types.GetErrorCode(err))

	p = newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	_, err = p.Generate(context.Background(), "k", &providers.Request{Prompt: "x"})
	assert.Equal(t, types.ErrMalformedResponse, types.GetErrorCode(err))
}

func TestGenerate_ContextTimeout(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, "k", &providers.Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}
