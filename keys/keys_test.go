package keys

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/retry"
	"github.com/BaSui01/qaforge/testutil"
	"github.com/BaSui01/qaforge/testutil/mocks"
	"github.com/BaSui01/qaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newPool(t *testing.T, secrets ...string) *llm.CredentialPool {
	t.Helper()
	return llm.NewCredentialPool([]config.ProviderConfig{{
		Name:        "gemini",
		Kind:        "fake",
		Enabled:     true,
		Model:       "gemini-1.5-flash",
		Credentials: secrets,
	}}, llm.WithPoolLogger(zaptest.NewLogger(t)))
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		want     Entry
		skip     bool
		wantCode types.ErrorCode
	}{
		{name: "prefixed", line: "gemini:AIzaSyABCDEFG", want: Entry{Provider: "gemini", Secret: "AIzaSyABCDEFG"}},
		{name: "json", line: `{"provider":"openai","secret":"sk-abcdefgh"}`, want: Entry{Provider: "openai", Secret: "sk-abcdefgh"}},
		{name: "bare uses default", line: "  AIzaSyXYZ12345  ", want: Entry{Provider: "gemini", Secret: "AIzaSyXYZ12345"}},
		{name: "comment", line: "# rotated 2026-01", skip: true},
		{name: "blank", line: "   ", skip: true},
		{name: "short secret", line: "gemini:abc", wantCode: types.ErrInvalidInput},
		{name: "bad provider", line: "Gem ini:AIzaSyABCDEFG", wantCode: types.ErrInvalidInput},
		{name: "broken json", line: `{"provider":`, wantCode: types.ErrInvalidInput},
		{name: "remove directive", line: "!remove gemini-2", want: Entry{Action: ActionRemove, CredentialID: "gemini-2"}},
		{name: "reinstate directive", line: "! reinstate gemini-1 ", want: Entry{Action: ActionReinstate, CredentialID: "gemini-1"}},
		{name: "unknown directive", line: "!purge gemini-1", wantCode: types.ErrInvalidInput},
		{name: "directive without id", line: "!remove", wantCode: types.ErrInvalidInput},
		{name: "directive bad id", line: "!remove gemini", wantCode: types.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseLine(tt.line, "gemini")
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, !tt.skip, ok)
			if !tt.skip {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAddToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("# keys\ngemini:AIzaSyFIRST001"), 0o600))

	require.NoError(t, AddToFile(path, "gemini", "AIzaSySECOND02"))

	err := AddToFile(path, "gemini", "AIzaSyFIRST001")
	assert.ErrorIs(t, err, types.ErrDuplicate)
	err = AddToFile(path, "gemini", "short")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	entries, errs, err := ReadFile(path, "gemini")
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, entries, 2)
	assert.Equal(t, "AIzaSySECOND02", entries[1].Secret)
	assert.Equal(t, 3, entries[1].Line)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestAppendDirective(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, AddToFile(path, "gemini", "AIzaSyFIRST001"))

	require.NoError(t, AppendDirective(path, ActionRemove, "gemini-1"))
	assert.Error(t, AppendDirective(path, ActionAdd, "gemini-1"))
	assert.Error(t, AppendDirective(path, ActionReinstate, "not an id"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini:AIzaSyFIRST001\n!remove gemini-1\n", string(data))

	entries, errs, err := ReadFile(path, "gemini")
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionRemove, entries[1].Action)
	assert.Equal(t, "!remove gemini-1", entries[1].String())
}

func TestReadFile_Missing(t *testing.T) {
	entries, errs, err := ReadFile(filepath.Join(t.TempDir(), "none.txt"), "gemini")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, errs)
}

func TestManager_ScanAndPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	content := "gemini:AIzaSyEXISTING1\ngemini:AIzaSyNEWKEY002\nnot valid line with spaces\nunknown:AIzaSyOTHER0003\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	pool := newPool(t, "AIzaSyEXISTING1")
	m := NewManager(path, pool, WithLogger(zaptest.NewLogger(t)), WithDefaultProvider("gemini"))

	assert.Equal(t, 3, m.Scan())
	assert.Equal(t, 0, m.Scan(), "rescanning does not queue the same keys again")
	assert.Equal(t, 3, m.Pending())

	assert.Equal(t, 1, m.Poll(testutil.TestContext(t)))
	assert.Zero(t, m.Pending())

	stats := m.Stats()
	assert.Equal(t, 1, stats.Injected)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 2, pool.Stats().Healthy)
}

func TestManager_DirectivesRemoveAndReinstate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("!remove gemini-2\n!reinstate gemini-1\n!remove gemini-9\n"), 0o600))

	pool := newPool(t, "AIzaSyKEEP0001", "AIzaSyDROP0002")
	require.NoError(t, pool.ReportFailure("gemini-1", llm.FailureAuthInvalid))
	require.Zero(t, pool.Stats().Healthy)

	m := NewManager(path, pool, WithLogger(zaptest.NewLogger(t)))
	assert.Equal(t, 3, m.Scan())
	assert.Zero(t, m.Poll(testutil.TestContext(t)), "directives are not counted as injections")

	// 未知凭证计为 rejected
	stats, err := json.Marshal(m.Stats())
	require.NoError(t, err)
	testutil.AssertJSONEqual(t, map[string]int{
		"injected": 0, "rejected": 1, "duplicates": 0, "malformed": 0, "removed": 1, "reinstated": 1,
	}, stats)
	assert.Equal(t, 1, pool.Stats().Total)
	assert.Equal(t, 1, pool.Stats().Healthy)

	// 已执行的指令不会重复执行；重新追加的同一指令会
	assert.Zero(t, m.Scan())
	require.NoError(t, pool.ReportFailure("gemini-1", llm.FailureAuthInvalid))
	require.NoError(t, AppendDirective(path, ActionReinstate, "gemini-1"))
	assert.Equal(t, 1, m.Scan())
	m.Poll(testutil.TestContext(t))
	assert.Equal(t, 2, m.Stats().Reinstated)
	assert.Equal(t, 1, pool.Stats().Healthy)
}

func TestManager_ProbeRejectsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, AddToFile(path, "gemini", "AIzaSyREVOKED01"))

	pool := newPool(t)
	prober := ProbeFunc(func(ctx context.Context, provider, secret string) error {
		return providers.MapHTTPError(403, "permission denied", provider)
	})
	m := NewManager(path, pool, WithProber(prober))

	m.Scan()
	assert.Zero(t, m.Poll(testutil.TestContext(t)))
	assert.Equal(t, 1, m.Stats().Rejected)
	assert.Zero(t, pool.Stats().Total)
}

func TestManager_RunUnblocksStalledPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	pool := newPool(t)
	m := NewManager(path, pool,
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(10*time.Millisecond),
		WithDebounce(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waiting := make(chan error, 1)
	go func() {
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		waiting <- pool.WaitAvailable(wctx)
	}()

	// 给监听器时间记录初始状态
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, AddToFile(path, "gemini", "AIzaSyRESCUE001"))

	var woke <-chan error = waiting
	err, ok := testutil.WaitForChannel(woke, 3*time.Second)
	require.True(t, ok, "waiter was not woken by the injected key")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats().Healthy)

	cancel()
	var finished <-chan error = done
	runErr, ok := testutil.WaitForChannel(finished, time.Second)
	require.True(t, ok)
	assert.NoError(t, runErr)
}

func TestManager_RunReinstatesIntoStalledPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	pool := newPool(t, "AIzaSyONLY00001")
	require.NoError(t, pool.ReportFailure("gemini-1", llm.FailureAuthInvalid))
	m := NewManager(path, pool,
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(10*time.Millisecond),
		WithDebounce(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	go m.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, AppendDirective(path, ActionReinstate, "gemini-1"))

	testutil.AssertEventuallyEqual(t, 1, func() any { return pool.Stats().Healthy }, 3*time.Second)
	testutil.AssertEventuallyEqual(t, 1, func() any { return m.Stats().Reinstated }, time.Second)
}

func TestProviderProber(t *testing.T) {
	profiles := []config.ProviderConfig{{Name: "gemini", Model: "gemini-1.5-flash"}}
	newProber := func(prov *mocks.ScriptedProvider) *ProviderProber {
		return NewProviderProber(map[string]providers.Provider{"gemini": prov}, profiles,
			&retry.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
			time.Second, zaptest.NewLogger(t))
	}
	ctx := testutil.TestContext(t)

	t.Run("rate limited key is accepted", func(t *testing.T) {
		prov := mocks.NewScriptedProvider("gemini").Then(mocks.Step{Err: providers.MapHTTPError(429, "slow down", "gemini")})
		assert.NoError(t, newProber(prov).Probe(ctx, "gemini", "AIzaSyKEY00001"))
		assert.Equal(t, 1, prov.CallCount())
	})

	t.Run("auth failure is rejected", func(t *testing.T) {
		prov := mocks.NewScriptedProvider("gemini").Then(mocks.Step{Err: providers.MapHTTPError(401, "bad key", "gemini")})
		err := newProber(prov).Probe(ctx, "gemini", "AIzaSyKEY00001")
		assert.True(t, types.IsErrorCode(err, types.ErrAuthInvalid))
		assert.Equal(t, 1, prov.CallCount())
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		prov := mocks.NewScriptedProvider("gemini").Then(mocks.Step{Err: providers.MapHTTPError(503, "busy", "gemini")})
		assert.NoError(t, newProber(prov).Probe(ctx, "gemini", "AIzaSyKEY00001"))
		assert.Equal(t, 2, prov.CallCount())
	})

	t.Run("unknown provider", func(t *testing.T) {
		err := newProber(mocks.NewScriptedProvider("gemini")).Probe(ctx, "openai", "sk-abcdefgh")
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
	})
}
