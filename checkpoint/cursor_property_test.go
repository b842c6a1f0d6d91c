package checkpoint

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 任意提交顺序下，游标始终等于从 0 开始的连续已完成批次数
func TestProperty_CursorAdvancesContiguously(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("cursor equals the contiguous completed prefix", prop.ForAll(
		func(n int, seed int64) bool {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "ckpt.json")
			store := NewFileStore(path, WithFrequency(3))

			order := rand.New(rand.NewSource(seed)).Perm(n)
			done := make(map[int]bool, n)
			for _, idx := range order {
				ids := []string{fmt.Sprintf("item-%d", idx)}
				if err := store.RecordBatchComplete(ctx, idx, ids, nil, int64(idx+1)*10); err != nil {
					t.Logf("record batch %d: %v", idx, err)
					return false
				}
				done[idx] = true

				prefix := 0
				for done[prefix] {
					prefix++
				}
				if store.Cursor() != prefix {
					t.Logf("cursor %d, want %d", store.Cursor(), prefix)
					return false
				}
			}

			if err := store.Flush(ctx); err != nil {
				return false
			}
			rec, err := NewFileStore(path).Load(ctx)
			if err != nil {
				return false
			}
			if rec.Cursor != n || len(rec.CompletedIDs) != n || rec.OutputOffset != int64(n)*10 {
				return false
			}
			for i, id := range rec.CompletedIDs {
				if id != fmt.Sprintf("item-%d", i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
