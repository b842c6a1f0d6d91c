package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BaSui01/qaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opts = LoadOptions{Variations: 2, VariationTypes: map[string]int{"casual": 2}}

func TestRead_JSONArray(t *testing.T) {
	items, err := Read(strings.NewReader(`
	[
		{"id": "a", "question": "Q1?", "answer": "A1"},
		{"id": 7, "soru": "S2?", "cevap": "C2"},
		{"text": "a raw chunk"}
	]`), opts)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "Q1?", items[0].Question)
	assert.Equal(t, 2, items[0].Variations)
	assert.Equal(t, map[string]int{"casual": 2}, items[0].VariationTypes)

	assert.Equal(t, "7", items[1].ID)
	assert.Equal(t, "S2?", items[1].Question)
	assert.Equal(t, "C2", items[1].Answer)
	assert.Equal(t, 1, items[1].Index)

	assert.True(t, items[2].IsChunk())
	assert.Len(t, items[2].ID, 36)
}

func TestRead_JSONL(t *testing.T) {
	input := "\xEF\xBB\xBF" + `{"question":"Q1?","answer":"A1"}` + "\n\n" + `{"question":"Q2?","answer":"A2"}` + "\n"
	items, err := Read(strings.NewReader(input), opts)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[1].Index)
}

func TestRead_StableDerivedIDs(t *testing.T) {
	input := `[{"question":"Q1?","answer":"A1"},{"question":"Q2?","answer":"A2"}]`
	a, err := Read(strings.NewReader(input), opts)
	require.NoError(t, err)
	b, err := Read(strings.NewReader(input), opts)
	require.NoError(t, err)

	assert.Equal(t, a[0].ID, b[0].ID)
	assert.NotEqual(t, a[0].ID, a[1].ID)
	assert.Equal(t, DeriveID(types.WorkItem{Question: "Q1?", Answer: "A1"}), a[0].ID)
}

func TestRead_Errors(t *testing.T) {
	tests := map[string]string{
		"duplicate ids":     `[{"id":"x","question":"a"},{"id":"x","question":"b"}]`,
		"duplicate content": `[{"question":"a","answer":"b"},{"question":"a","answer":"b"}]`,
		"empty record":      `[{"answer":"only"}]`,
		"broken array":      `[{"question":"a"}`,
		"broken line":       "{\"question\":\"a\"}\nnot json\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(input), opts)
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
		})
	}
}

func TestRead_Empty(t *testing.T) {
	items, err := Read(strings.NewReader("  \n"), opts)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"1","question":"q"}`+"\n"), 0o644))
	items, err := Load(path, opts)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"), opts)
	assert.Error(t, err)
}
