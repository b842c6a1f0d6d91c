package batch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/qaforge/checkpoint"
	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/dataset"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/ratelimit"
	"github.com/BaSui01/qaforge/llm/retry"
	"github.com/BaSui01/qaforge/testutil"
	"github.com/BaSui01/qaforge/testutil/fixtures"
	"github.com/BaSui01/qaforge/testutil/mocks"
	"github.com/BaSui01/qaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// ====== 测试环境 ======

type runEnv struct {
	dir      string
	provider *mocks.ScriptedProvider
	pool     *llm.CredentialPool
	governor *ratelimit.Governor
	logs     *observer.ObservedLogs
	logger   *zap.Logger
	gen      *llm.Dispatcher
}

func newRunEnv(t *testing.T, secrets ...string) *runEnv {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	profile := config.ProviderConfig{
		Name:        "p",
		Kind:        "fake",
		Enabled:     true,
		Model:       "m",
		Credentials: secrets,
	}
	pool := llm.NewCredentialPool([]config.ProviderConfig{profile},
		llm.WithPoolLogger(logger),
		llm.WithPoolConfig(config.PoolConfig{
			FailureThreshold:  3,
			ExhaustCooldown:   time.Minute,
			RateLimitCooldown: 30 * time.Second,
		}),
	)
	governor := ratelimit.NewGovernor([]config.ProviderConfig{profile}, config.GovernorConfig{
		MaxDelay:    time.Second,
		DecayAfter:  10,
		DecayFactor: 0.9,
		Window:      time.Minute,
	})
	env := &runEnv{
		dir:      t.TempDir(),
		provider: mocks.NewScriptedProvider("p"),
		pool:     pool,
		governor: governor,
		logs:     logs,
		logger:   logger,
	}
	env.gen = env.dispatcher(3)
	return env
}

func (e *runEnv) dispatcher(maxAttempts int) *llm.Dispatcher {
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return llm.NewDispatcher(e.pool, e.governor, map[string]providers.Provider{"p": e.provider}, nil,
		llm.DispatcherConfig{
			MaxAttempts:           maxAttempts,
			RequestTimeout:        time.Second,
			CredentialWaitTimeout: 20 * time.Millisecond,
			Retry:                 &retry.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		},
		llm.WithDispatcherLogger(e.logger),
		llm.WithSleep(noSleep),
	)
}

func (e *runEnv) outputPath() string     { return filepath.Join(e.dir, "out.jsonl") }
func (e *runEnv) checkpointPath() string { return filepath.Join(e.dir, "checkpoint.json") }

func (e *runEnv) run(t *testing.T, gen Generator, items []types.WorkItem, cfg Config, concurrency int, opts ...Option) (Summary, error) {
	t.Helper()
	sink, err := dataset.OpenSink(e.outputPath())
	require.NoError(t, err)
	defer sink.Close()

	store := checkpoint.NewFileStore(e.checkpointPath(), checkpoint.WithLogger(e.logger))
	s := NewScheduler(gen, store, sink, cfg, append([]Option{WithLogger(e.logger)}, opts...)...)
	return s.Run(testutil.TestContextWithTimeout(t, 10*time.Second), items, concurrency)
}

func (e *runEnv) checkpoint(t *testing.T) *checkpoint.Record {
	t.Helper()
	rec, err := checkpoint.NewFileStore(e.checkpointPath()).Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func itemIDs(items []types.WorkItem) []string {
	return types.Batch{Items: items}.IDs()
}

// scriptedGenerator 按条目 ID 返回预设失败，之后成功
type scriptedGenerator struct {
	mu       sync.Mutex
	failures map[string][]*types.Error
	delays   map[string]time.Duration
	calls    map[string]int
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		failures: make(map[string][]*types.Error),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (g *scriptedGenerator) Generate(ctx context.Context, item types.WorkItem) types.GenerationResult {
	g.mu.Lock()
	g.calls[item.ID]++
	attempts := g.calls[item.ID]
	var failure *types.Error
	if queue := g.failures[item.ID]; len(queue) > 0 {
		failure = queue[0]
		g.failures[item.ID] = queue[1:]
	}
	delay := g.delays[item.ID]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	res := types.GenerationResult{ItemID: item.ID, Attempts: attempts, Provider: "p", CredentialID: "p-1"}
	if failure != nil {
		res.Err = failure
		return res
	}
	res.Variations = []types.Variation{{Question: "rephrased " + item.ID, Answer: item.Answer}}
	return res
}

func (g *scriptedGenerator) callsFor(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

type stopAfter struct {
	mu       sync.Mutex
	limit    int
	observed int
}

func (m *stopAfter) ObserveResult(types.GenerationResult) {
	m.mu.Lock()
	m.observed++
	m.mu.Unlock()
}

func (m *stopAfter) ShouldStop() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed >= m.limit {
		return true, "stop file present"
	}
	return false, ""
}

type countingKeys struct {
	mu    sync.Mutex
	polls int
}

func (k *countingKeys) Poll(context.Context) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.polls++
	return 0
}

// ====== 测试 ======

func TestPartition(t *testing.T) {
	batches := Partition(fixtures.WorkItems(7), 3, 4)

	require.Len(t, batches, 3)
	assert.Equal(t, 4, batches[0].Index)
	assert.Equal(t, 6, batches[2].Index)
	assert.Equal(t, []string{"q-06"}, batches[2].IDs())
	assert.Empty(t, Partition(nil, 3, 0))
}

func TestScheduler_TransientRetryCompletesEveryBatch(t *testing.T) {
	env := newRunEnv(t, "secret-key-0001")
	ok := fixtures.VariationsJSON(2)
	env.provider.Then(
		mocks.Step{Text: ok},
		mocks.Step{Text: ok},
		mocks.Step{Text: ok},
		mocks.Step{Err: providers.MapHTTPError(503, "overloaded", "p")},
	)
	items := fixtures.WorkItems(10)

	summary, err := env.run(t, env.gen, items, Config{BatchSize: 3}, 2)

	require.NoError(t, err)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 4, summary.Cursor)
	assert.True(t, summary.Complete())

	records := testutil.ReadJSONL[types.OutputRecord](t, env.outputPath())
	testutil.AssertItemIDs(t, itemIDs(items), records)

	rec := env.checkpoint(t)
	assert.Equal(t, 4, rec.Cursor)
	assert.Len(t, rec.CompletedIDs, 10)
	assert.Equal(t, 1, env.logs.FilterMessage("retrying work item").Len())
	assert.Equal(t, 11, env.provider.CallCount())
}

func TestScheduler_ResumeAfterCrashEmitsEachItemOnce(t *testing.T) {
	env := newRunEnv(t, "secret-key-0001")
	items := fixtures.WorkItems(10)

	first, err := env.run(t, env.gen, items, Config{BatchSize: 3, ProcessLimit: 4}, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Succeeded)
	assert.Equal(t, 2, first.Cursor)

	// 模拟崩溃时写了一半的行
	f, err := os.OpenFile(env.outputPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"q-04","variat`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second, err := env.run(t, env.gen, items, Config{BatchSize: 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, second.Skipped)
	assert.Equal(t, 6, second.Succeeded)
	assert.Equal(t, 4, second.Cursor)

	records := testutil.ReadJSONL[types.OutputRecord](t, env.outputPath())
	testutil.AssertItemIDs(t, itemIDs(items), records)
	assert.Equal(t, 10, env.provider.CallCount(), "completed items are not regenerated")
}

func TestScheduler_OutputFollowsInputOrder(t *testing.T) {
	env := newRunEnv(t)
	gen := newScriptedGenerator()
	// 第一个批次最慢
	gen.delays["q-00"] = 80 * time.Millisecond
	items := fixtures.WorkItems(8)

	summary, err := env.run(t, gen, items, Config{BatchSize: 2}, 4)

	require.NoError(t, err)
	assert.Equal(t, 4, summary.Cursor)
	records := testutil.ReadJSONL[types.OutputRecord](t, env.outputPath())
	testutil.AssertItemIDs(t, itemIDs(items), records)
}

func TestScheduler_RequeuesRetryableFailures(t *testing.T) {
	env := newRunEnv(t)
	gen := newScriptedGenerator()
	transient := types.NewError(types.ErrTransient, "upstream hiccup").WithRetryable(true)
	gen.failures["q-01"] = []*types.Error{transient}
	gen.failures["q-02"] = []*types.Error{transient, transient, transient}
	gen.failures["q-03"] = []*types.Error{types.NewError(types.ErrInvalidRequest, "bad prompt")}
	items := fixtures.WorkItems(4)

	summary, err := env.run(t, gen, items, Config{BatchSize: 4, RequeueLimit: 1}, 1)

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.ElementsMatch(t, []string{"q-02", "q-03"}, summary.FailedIDs)
	assert.Equal(t, 2, summary.Requeued)
	assert.Equal(t, 2, gen.callsFor("q-01"))
	assert.Equal(t, 2, gen.callsFor("q-02"))
	assert.Equal(t, 1, gen.callsFor("q-03"))

	rec := env.checkpoint(t)
	assert.Equal(t, 1, rec.Cursor)
	assert.ElementsMatch(t, []string{"q-02", "q-03"}, rec.FailedIDs)
	assert.Equal(t, 2, env.logs.FilterMessage("work item failed permanently").Len())

	records := testutil.ReadJSONL[types.OutputRecord](t, env.outputPath())
	testutil.AssertItemIDs(t, []string{"q-00", "q-01"}, records)
}

func TestScheduler_RequeueSharesAttemptBudget(t *testing.T) {
	env := newRunEnv(t, "secret-key-0001", "secret-key-0002", "secret-key-0003")
	env.provider.WithResponder(func(mocks.Call) (string, error) {
		return "", providers.MapHTTPError(503, "overloaded", "p")
	})

	summary, err := env.run(t, env.gen, fixtures.WorkItems(1), Config{BatchSize: 1, RequeueLimit: 1, MaxAttempts: 3}, 1)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Requeued, "attempts exhausted inside the first pass")
	assert.Equal(t, 3, env.provider.CallCount())
}

func TestScheduler_RequeueUsesRemainingAttempts(t *testing.T) {
	env := newRunEnv(t, "secret-key-0001", "secret-key-0002")
	env.provider.WithResponder(func(mocks.Call) (string, error) {
		return "", providers.MapHTTPError(503, "overloaded", "p")
	})
	d := env.dispatcher(2)

	summary, err := env.run(t, d, fixtures.WorkItems(1), Config{BatchSize: 1, RequeueLimit: 5, MaxAttempts: 3}, 1)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Requeued)
	assert.Equal(t, 3, env.provider.CallCount())
}

func TestScheduler_NoHealthyCredentialAbortsRun(t *testing.T) {
	env := newRunEnv(t, "secret-key-0001")
	env.provider.Then(mocks.Step{Err: providers.MapHTTPError(401, "bad key", "p")})

	summary, err := env.run(t, env.gen, fixtures.WorkItems(4), Config{BatchSize: 2}, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoHealthy)
	assert.True(t, summary.Stopped)
	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, summary.Cursor)
	assert.Equal(t, 1, env.logs.FilterMessage("fatal dispatch error, cancelling run").Len())
}

func TestScheduler_StopSignalHaltsBeforeNextBatch(t *testing.T) {
	env := newRunEnv(t)
	monitor := &stopAfter{limit: 2}
	keys := &countingKeys{}

	summary, err := env.run(t, newScriptedGenerator(), fixtures.WorkItems(6), Config{BatchSize: 2}, 1,
		WithMonitor(monitor), WithKeySource(keys))

	require.NoError(t, err)
	assert.True(t, summary.Stopped)
	assert.Equal(t, "stop file present", summary.StopReason)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Cursor)
	assert.False(t, summary.Complete())
	assert.Equal(t, 1, keys.polls)

	rec := env.checkpoint(t)
	assert.Equal(t, 1, rec.Cursor, "stopped run flushes its checkpoint")
}

func TestScheduler_InterruptedContext(t *testing.T) {
	env := newRunEnv(t)
	sink, err := dataset.OpenSink(env.outputPath())
	require.NoError(t, err)
	defer sink.Close()

	s := NewScheduler(newScriptedGenerator(), checkpoint.NewFileStore(env.checkpointPath()), sink, Config{BatchSize: 2})
	summary, err := s.Run(testutil.CancelledContext(), fixtures.WorkItems(4), 2)

	require.NoError(t, err)
	assert.True(t, summary.Stopped)
	assert.Equal(t, "interrupted", summary.StopReason)
	assert.Zero(t, summary.Succeeded)
}

func TestProgress_ETA(t *testing.T) {
	p := newProgress(25, 100, 20, 5, 5, 10*time.Second)

	assert.InDelta(t, 25.0, p.Percent(), 0.001)
	assert.InDelta(t, 0.8, p.SuccessRate, 0.001)
	assert.Equal(t, 30*time.Second, p.ETA)
	assert.Equal(t, 100.0, newProgress(0, 0, 0, 0, 0, 0).Percent())
}
