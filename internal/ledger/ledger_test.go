package ledger

import (
	"testing"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	clk := testutil.NewFakeClock()
	l, err := Open(config.LedgerConfig{Driver: "sqlite", DSN: ":memory:", PricePer1KTokens: 0.5},
		append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"", "sqlite", "postgres", "mysql"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
	_, err := Dialector("oracle", "dsn")
	assert.Error(t, err)
}

func TestLedger_BuildEstimatesTokens(t *testing.T) {
	l := openTestLedger(t)

	rec := l.Build(llm.UsageEvent{
		ItemID:       "q-01",
		CredentialID: "gemini-1",
		Provider:     "gemini",
		Model:        "gemini-1.5-flash",
		Success:      true,
		Latency:      1500 * time.Millisecond,
		Prompt:       "abcdefghabcdefgh",
		Completion:   "abcdefgh",
	})

	assert.Equal(t, 4, rec.PromptTokens)
	assert.Equal(t, 2, rec.CompletionTokens)
	assert.InDelta(t, 0.003, rec.EstimatedCost, 1e-9)
	assert.EqualValues(t, 1500, rec.LatencyMS)
	assert.True(t, rec.CreatedAt.Equal(testutil.NewFakeClock().Now()))

	// 提供方返回的 Token 数优先
	rec = l.Build(llm.UsageEvent{Model: "gpt-4o", Prompt: "ignored", PromptTokens: 100, CompletionTokens: 50})
	assert.Equal(t, 100, rec.PromptTokens)
	assert.Equal(t, 50, rec.CompletionTokens)
}

func TestLedger_AsyncRecordAndTotals(t *testing.T) {
	l := openTestLedger(t)

	events := []llm.UsageEvent{
		{ItemID: "q-01", CredentialID: "p-1", Provider: "p", Model: "m", Success: true, PromptTokens: 1000, CompletionTokens: 1000},
		{ItemID: "q-02", CredentialID: "p-1", Provider: "p", Model: "m", Success: false, PromptTokens: 1000},
		{ItemID: "q-02", CredentialID: "p-2", Provider: "p", Model: "m", Success: true, PromptTokens: 1000, CompletionTokens: 1000},
	}
	for _, ev := range events {
		l.RecordUsage(ev)
	}
	l.Wait()

	totals, err := l.Totals(testutil.TestContext(t))
	require.NoError(t, err)
	assert.EqualValues(t, 3, totals.Requests)
	assert.EqualValues(t, 2, totals.Succeeded)
	assert.EqualValues(t, 3000, totals.PromptTokens)
	assert.EqualValues(t, 2000, totals.CompletionTokens)
	assert.InDelta(t, 2.5, totals.EstimatedCost, 1e-9)

	byCred, err := l.ByCredential(testutil.TestContext(t))
	require.NoError(t, err)
	require.Len(t, byCred, 2)
	assert.Equal(t, "p-1", byCred[0].CredentialID)
	assert.EqualValues(t, 2, byCred[0].Requests)
	assert.EqualValues(t, 1, byCred[0].Succeeded)
}

func TestLedger_RunIDScopesTotals(t *testing.T) {
	l := openTestLedger(t, WithRunID("run-b"))
	ctx := testutil.TestContext(t)

	require.NoError(t, l.Record(ctx, &UsageRecord{RunID: "run-a", PromptTokens: 10}))
	require.NoError(t, l.Record(ctx, &UsageRecord{RunID: "run-b", PromptTokens: 7}))

	totals, err := l.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, totals.Requests)
	assert.EqualValues(t, 7, totals.PromptTokens)
}

func TestLedger_RecordAfterCloseIsDropped(t *testing.T) {
	l, err := Open(config.LedgerConfig{DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l.RecordUsage(llm.UsageEvent{ItemID: "q-09"})
	l.Wait()
	assert.NoError(t, l.Close())
}
