package fake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Deterministic(t *testing.T) {
	p := New(Config{Variations: 3})
	req := &providers.Request{Prompt: "same prompt"}

	a, err := p.Generate(context.Background(), "key", req)
	require.NoError(t, err)
	b, err := p.Generate(context.Background(), "key", req)
	require.NoError(t, err)
	assert.Equal(t, a.Text, b.Text)

	var items []map[string]string
	require.NoError(t, json.Unmarshal([]byte(a.Text), &items))
	assert.Len(t, items, 3)
}

func TestGenerate_EmptyKey(t *testing.T) {
	_, err := New(Config{}).Generate(context.Background(), "", &providers.Request{})
	assert.Error(t, err)
}
