package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/qaforge/testutil"
	"github.com/BaSui01/qaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newFileStore(t *testing.T, opts ...Option) (*Checkpointer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints", "latest.json")
	clk := testutil.NewFakeClock()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(clk.Now)}, opts...)
	return NewFileStore(path, opts...), path
}

func TestFileStore_MissingFileIsZeroRecord(t *testing.T) {
	store, _ := newFileStore(t)
	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rec.Cursor)
	assert.Empty(t, rec.CompletedIDs)
	assert.Zero(t, rec.OutputOffset)
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)
	_, err := store.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a", "b"}, nil, 100))
	require.NoError(t, store.RecordBatchComplete(ctx, 1, []string{"c"}, []string{"d"}, 150))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	reopened := NewFileStore(path)
	rec, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Cursor)
	assert.Equal(t, []string{"a", "b", "c"}, rec.CompletedIDs)
	assert.Equal(t, []string{"d"}, rec.FailedIDs)
	assert.EqualValues(t, 150, rec.OutputOffset)
	assert.Equal(t, 2, rec.Version)
	assert.Len(t, rec.Checksum, 64)
	assert.True(t, rec.UpdatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFileStore_GapIsBuffered(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)

	require.NoError(t, store.RecordBatchComplete(ctx, 1, []string{"b"}, nil, 20))
	assert.Zero(t, store.Cursor())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing durable until the gap closes")

	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, nil, 10))
	assert.Equal(t, 2, store.Cursor())

	rec, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.CompletedIDs)
	assert.EqualValues(t, 20, rec.OutputOffset)
}

func TestFileStore_Frequency(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t, WithFrequency(2))

	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, nil, 10))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.RecordBatchComplete(ctx, 1, []string{"b"}, nil, 20))
	rec, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Cursor)

	require.NoError(t, store.RecordBatchComplete(ctx, 2, []string{"c"}, nil, 30))
	rec, err = NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Cursor, "third batch not yet durable")

	require.NoError(t, store.Flush(ctx))
	rec, err = NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Cursor)
}

func TestFileStore_DuplicateAndStaleReports(t *testing.T) {
	ctx := context.Background()
	store, _ := newFileStore(t)

	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, nil, 10))
	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, nil, 10), "stale batch is ignored")
	assert.Equal(t, 1, store.Cursor())

	require.NoError(t, store.RecordBatchComplete(ctx, 3, nil, nil, 40))
	assert.Error(t, store.RecordBatchComplete(ctx, 3, nil, nil, 40))
}

func TestFileStore_FailedThenCompletedOnLaterRun(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)
	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, []string{"b"}, 10))

	resumed := NewFileStore(path)
	rp, err := LoadResumePoint(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, 1, rp.Cursor)
	assert.Contains(t, rp.Completed, "a")
	assert.NotContains(t, rp.Completed, "b")
	assert.Equal(t, []string{"b"}, rp.Failed)

	require.NoError(t, resumed.RecordBatchComplete(ctx, 1, []string{"b"}, nil, 20))
	rec, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.CompletedIDs)
	assert.Empty(t, rec.FailedIDs)
}

func TestFileStore_Corruption(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)
	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a", "b"}, nil, 10))

	good, err := os.ReadFile(path)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(good, &env))
	tampered := map[string]any{
		"version":  1,
		"checksum": env["checksum"],
		"payload":  json.RawMessage(`{"cursor":9,"completed_ids":["a","b"],"output_offset":10}`),
	}

	tests := map[string][]byte{
		"truncated":         good[:len(good)/2],
		"garbage":           []byte("not json at all"),
		"checksum mismatch": []byte(testutil.MustJSON(tampered)),
		"unknown version":   []byte(`{"version":7,"checksum":"x","payload":{}}`),
		"empty payload":     []byte(`{"version":1,"checksum":"x"}`),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, data, 0o644))
			_, err := NewFileStore(path).Load(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrCorruption)
		})
	}
}

func TestFileStore_Reset(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)
	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, nil, 10))
	require.NoError(t, os.WriteFile(path, []byte("corrupt"), 0o644))

	require.NoError(t, store.Reset(ctx))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, store.Cursor())

	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"x"}, nil, 5))
	rec, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, rec.CompletedIDs)
}

func TestFileStore_RecordBeforeLoadKeepsExisting(t *testing.T) {
	ctx := context.Background()
	store, path := newFileStore(t)
	require.NoError(t, store.RecordBatchComplete(ctx, 0, []string{"a"}, nil, 10))

	second := NewFileStore(path)
	require.NoError(t, second.RecordBatchComplete(ctx, 1, []string{"b"}, nil, 20))

	rec, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.CompletedIDs)
}
