package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/types"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"
)

func TestMapError(t *testing.T) {
	p := NewGeminiProvider(Config{}, zaptest.NewLogger(t))

	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"googleapi 429", &googleapi.Error{Code: 429, Message: "Resource has been exhausted"}, types.ErrRateLimited},
		{"googleapi 403", &googleapi.Error{Code: 403, Message: "forbidden"}, types.ErrAuthInvalid},
		{"googleapi 500", fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 500}), types.ErrTransient},
		{"grpc exhausted", errors.New("rpc error: code = ResourceExhausted desc = RESOURCE_EXHAUSTED"), types.ErrRateLimited},
		{"bad key", errors.New("googleapi: Error 400: API key not valid. Please pass a valid API key."), types.ErrAuthInvalid},
		{"invalid argument", errors.New("INVALID_ARGUMENT: bad"), types.ErrInvalidRequest},
		{"deadline", context.DeadlineExceeded, types.ErrTimeout},
		{"unknown", errors.New("connection reset by peer"), types.ErrTransient},
		{"blocked", &genai.BlockedError{}, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.mapError(tt.err)
			assert.Equal(t, tt.want, got.Code)
			assert.Equal(t, "gemini", got.Provider)
		})
	}
}

func TestExtractText(t *testing.T) {
	_, _, err := extractText(&genai.GenerateContentResponse{})
	assert.Error(t, err)

	text, _, err := extractText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(`["a",`), genai.Text(`"b"]`)}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, text)
}

func TestGenerate_RequiresKey(t *testing.T) {
	p := NewGeminiProvider(Config{ProviderName: "g"}, nil)
	_, err := p.Generate(context.Background(), "", &providers.Request{Prompt: "x"})
	assert.Equal(t, types.ErrAuthInvalid, types.GetErrorCode(err))
	assert.NoError(t, p.Close())
}
