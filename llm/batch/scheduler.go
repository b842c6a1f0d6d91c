package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/qaforge/checkpoint"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Generator 处理单个 WorkItem，由 llm.Dispatcher 实现
type Generator interface {
	Generate(ctx context.Context, item types.WorkItem) types.GenerationResult
}

// BudgetedGenerator 可限定单次调用的尝试次数，由 llm.Dispatcher 实现。
// 配置了 MaxAttempts 时，批内重新排队的条目只拿到剩余的尝试次数。
type BudgetedGenerator interface {
	GenerateWithin(ctx context.Context, item types.WorkItem, attempts int) types.GenerationResult
}

// Sink 顺序写出成功记录，由 dataset.Sink 实现
type Sink interface {
	Append(records []types.OutputRecord) (int64, error)
	Truncate(offset int64) error
}

// Monitor 观察每条结果并决定是否紧急停止，由 safety.Monitor 实现
type Monitor interface {
	ObserveResult(res types.GenerationResult)
	ShouldStop() (bool, string)
}

// KeySource 每提交一个批次调用一次，注入新密钥，由 keys.Manager 实现
type KeySource interface {
	Poll(ctx context.Context) int
}

// CredentialStats 进度日志中的凭证用量
type CredentialStats interface {
	Snapshot() []llm.Credential
}

// Observer 接收批次指标，由 internal/metrics 实现
type Observer interface {
	ObserveBatch(succeeded, failed int, elapsed time.Duration)
	ObserveProgress(done, total int)
}

// Config 调度参数
type Config struct {
	BatchSize     int
	ProcessLimit  int
	RequeueLimit  int
	ProgressEvery int
	// MaxAttempts 每个条目跨重新排队的总尝试次数，0 表示只受 RequeueLimit 约束
	MaxAttempts int
}

// Scheduler 有界并发的批次调度器
type Scheduler struct {
	gen   Generator
	store checkpoint.Store
	sink  Sink
	cfg   Config

	monitor  Monitor
	keys     KeySource
	creds    CredentialStats
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	// 计量
	total     atomic.Int64
	done      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	batches   atomic.Int64
	startedAt atomic.Int64
}

// Option 配置 Scheduler
type Option func(*Scheduler)

// WithMonitor 设置紧急停止监控
func WithMonitor(m Monitor) Option {
	return func(s *Scheduler) { s.monitor = m }
}

// WithKeySource 设置实时密钥来源
func WithKeySource(k KeySource) Option {
	return func(s *Scheduler) { s.keys = k }
}

// WithCredentialStats 在进度日志中输出每个凭证的请求数
func WithCredentialStats(c CredentialStats) Option {
	return func(s *Scheduler) { s.creds = c }
}

// WithObserver 设置指标观察者
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 创建调度器
func NewScheduler(gen Generator, store checkpoint.Store, sink Sink, cfg Config, opts ...Option) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ProgressEvery < 1 {
		cfg.ProgressEvery = 1
	}
	s := &Scheduler{
		gen:    gen,
		store:  store,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// batchResult 是 Worker 交给提交者的结果
type batchResult struct {
	batch    types.Batch
	results  []types.GenerationResult
	requeued int
	elapsed  time.Duration
	// fatal 非空时批次未完成，不能提交
	fatal error
}

// Run 处理 items 直到完成、停止或遇到致命错误。
// 返回的 Summary 总是有效；error 只在致命错误或存储失败时非空。
func (s *Scheduler) Run(ctx context.Context, items []types.WorkItem, concurrency int) (Summary, error) {
	start := s.now()
	s.startedAt.Store(start.UnixNano())
	if concurrency < 1 {
		concurrency = 1
	}
	// 持久化操作不随运行取消而中断
	durable := context.WithoutCancel(ctx)

	rp, err := checkpoint.LoadResumePoint(durable, s.store)
	if err != nil {
		return Summary{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := s.sink.Truncate(rp.OutputOffset); err != nil {
		return Summary{}, fmt.Errorf("truncate output to checkpoint: %w", err)
	}

	remaining := make([]types.WorkItem, 0, len(items))
	for _, it := range items {
		if _, done := rp.Completed[it.ID]; !done {
			remaining = append(remaining, it)
		}
	}
	summary := Summary{
		Total:   len(items),
		Skipped: len(items) - len(remaining),
		Cursor:  rp.Cursor,
	}
	if s.cfg.ProcessLimit > 0 && len(remaining) > s.cfg.ProcessLimit {
		remaining = remaining[:s.cfg.ProcessLimit]
	}
	batches := Partition(remaining, s.cfg.BatchSize, rp.Cursor)
	s.total.Store(int64(len(remaining)))

	s.logger.Info("starting run",
		zap.Int("items", len(items)),
		zap.Int("skipped", summary.Skipped),
		zap.Int("to_process", len(remaining)),
		zap.Int("batches", len(batches)),
		zap.Int("cursor", rp.Cursor),
		zap.Int("concurrency", concurrency),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		stopOnce   sync.Once
		stopReason string
	)
	stop := func(reason string) {
		stopOnce.Do(func() { stopReason = reason })
	}

	jobs := make(chan types.Batch)
	results := make(chan batchResult, concurrency)
	tokens := make(chan struct{}, concurrency)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(jobs)
		for _, b := range batches {
			select {
			case tokens <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			// 拿到令牌后再检查，已提交批次的结果此时都已被监控观察
			if s.monitor != nil {
				if halt, reason := s.monitor.ShouldStop(); halt {
					stop(reason)
					s.logger.Warn("stop requested, no further batches dispatched",
						zap.String("reason", reason), zap.Int("next_batch", b.Index))
					return nil
				}
			}
			select {
			case jobs <- b:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for b := range jobs {
				results <- s.processBatch(gctx, b)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	// 提交者：唯一写 sink 与 store 的地方
	var (
		fatalErr error
		broken   bool
		pending  = make(map[int]batchResult)
		next     = rp.Cursor
	)
	for res := range results {
		if res.fatal != nil {
			if fatalErr == nil {
				fatalErr = res.fatal
				s.logger.Error("fatal dispatch error, cancelling run",
					zap.Int("batch", res.batch.Index), zap.Error(res.fatal))
			}
			broken = true
			cancel()
			continue
		}
		pending[res.batch.Index] = res

		for !broken {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if err := s.commit(durable, ready, &summary); err != nil {
				if fatalErr == nil {
					fatalErr = err
				}
				broken = true
				cancel()
				break
			}
			next++
			<-tokens

			if s.keys != nil {
				if n := s.keys.Poll(runCtx); n > 0 {
					s.logger.Info("live credentials added", zap.Int("count", n))
				}
			}
			if summary.Batches%s.cfg.ProgressEvery == 0 {
				s.logProgress()
			}
		}
	}

	if len(pending) > 0 {
		s.logger.Warn("completed batches left uncommitted behind a gap",
			zap.Int("count", len(pending)), zap.Int("cursor", next))
	}
	summary.Cursor = next
	if err := s.store.Flush(durable); err != nil && fatalErr == nil {
		fatalErr = fmt.Errorf("flush checkpoint: %w", err)
	}

	switch {
	case stopReason != "":
		summary.Stopped = true
		summary.StopReason = stopReason
	case ctx.Err() != nil:
		summary.Stopped = true
		summary.StopReason = "interrupted"
	case fatalErr != nil:
		summary.Stopped = true
		summary.StopReason = "fatal error"
	}
	summary.Duration = s.now().Sub(start)
	s.logProgress()

	s.logger.Info("run finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("cursor", summary.Cursor),
		zap.Bool("stopped", summary.Stopped),
		zap.String("stop_reason", summary.StopReason),
		zap.Duration("duration", summary.Duration),
	)
	if fatalErr != nil && !errors.Is(fatalErr, context.Canceled) {
		return summary, fatalErr
	}
	return summary, nil
}

// commit 按输入顺序写出成功记录，然后记录断点
func (s *Scheduler) commit(ctx context.Context, res batchResult, summary *Summary) error {
	var (
		records   []types.OutputRecord
		completed []string
		failed    []string
	)
	for i, r := range res.results {
		item := res.batch.Items[i]
		if r.Success() {
			records = append(records, types.NewOutputRecord(item, r))
			completed = append(completed, item.ID)
			continue
		}
		failed = append(failed, item.ID)
		s.logger.Warn("work item failed permanently",
			zap.String("item_id", item.ID),
			zap.Int("attempts", r.Attempts),
			zap.String("code", string(r.Err.Code)),
			zap.String("error", r.Err.Message),
		)
	}

	offset, err := s.sink.Append(records)
	if err != nil {
		return fmt.Errorf("append batch %d: %w", res.batch.Index, err)
	}
	if err := s.store.RecordBatchComplete(ctx, res.batch.Index, completed, failed, offset); err != nil {
		return fmt.Errorf("record batch %d: %w", res.batch.Index, err)
	}

	for _, r := range res.results {
		if s.monitor != nil {
			s.monitor.ObserveResult(r)
		}
	}

	summary.Batches++
	summary.Succeeded += len(completed)
	summary.Failed += len(failed)
	summary.FailedIDs = append(summary.FailedIDs, failed...)
	summary.Requeued += res.requeued

	s.batches.Add(1)
	s.done.Add(int64(len(res.results)))
	s.succeeded.Add(int64(len(completed)))
	s.failed.Add(int64(len(failed)))
	if s.observer != nil {
		s.observer.ObserveBatch(len(completed), len(failed), res.elapsed)
		s.observer.ObserveProgress(int(s.done.Load()), int(s.total.Load()))
	}

	s.logger.Debug("batch committed",
		zap.Int("batch", res.batch.Index),
		zap.Int("succeeded", len(completed)),
		zap.Int("failed", len(failed)),
		zap.Int64("output_offset", offset),
	)
	return nil
}

// processBatch 顺序处理批内条目；可重试失败排到队尾，最多 RequeueLimit 次，
// 且与首次处理共用 MaxAttempts 尝试预算
func (s *Scheduler) processBatch(ctx context.Context, b types.Batch) batchResult {
	start := s.now()
	out := batchResult{batch: b, results: make([]types.GenerationResult, len(b.Items))}

	queue := make([]int, len(b.Items))
	for i := range queue {
		queue[i] = i
	}
	requeues := make(map[int]int)
	used := make(map[int]int)

	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]

		res := s.generate(ctx, b.Items[i], used[i])
		used[i] += max(res.Attempts, 1)
		if res.Fatal() {
			out.fatal = res.Err
			return out
		}
		if ctx.Err() != nil {
			out.fatal = ctx.Err()
			return out
		}
		if !res.Success() && res.Err.Retryable && requeues[i] < s.cfg.RequeueLimit && s.hasBudget(used[i]) {
			requeues[i]++
			out.requeued++
			s.logger.Info("requeueing work item",
				zap.String("item_id", res.ItemID),
				zap.Int("batch", b.Index),
				zap.Int("requeue", requeues[i]),
				zap.String("code", string(res.Err.Code)),
			)
			queue = append(queue, i)
			continue
		}
		out.results[i] = res
	}
	out.elapsed = s.now().Sub(start)
	return out
}

func (s *Scheduler) generate(ctx context.Context, item types.WorkItem, used int) types.GenerationResult {
	if bg, ok := s.gen.(BudgetedGenerator); ok && s.cfg.MaxAttempts > 0 {
		return bg.GenerateWithin(ctx, item, s.cfg.MaxAttempts-used)
	}
	return s.gen.Generate(ctx, item)
}

func (s *Scheduler) hasBudget(used int) bool {
	return s.cfg.MaxAttempts <= 0 || used < s.cfg.MaxAttempts
}

// Progress 返回当前进度
func (s *Scheduler) Progress() Progress {
	started := time.Unix(0, s.startedAt.Load())
	return newProgress(
		int(s.done.Load()),
		int(s.total.Load()),
		int(s.succeeded.Load()),
		int(s.failed.Load()),
		int(s.batches.Load()),
		s.now().Sub(started),
	)
}

func (s *Scheduler) logProgress() {
	p := s.Progress()
	fields := []zap.Field{
		zap.Int("done", p.Done),
		zap.Int("total", p.Total),
		zap.String("percent", fmt.Sprintf("%.1f%%", p.Percent())),
		zap.Float64("success_rate", p.SuccessRate),
		zap.Duration("elapsed", p.Elapsed),
		zap.Duration("eta", p.ETA),
	}
	if s.creds != nil {
		usage := make(map[string]int64)
		for _, c := range s.creds.Snapshot() {
			usage[c.ID] = c.TotalRequests
		}
		fields = append(fields, zap.Any("credential_requests", usage))
	}
	s.logger.Info("progress", fields...)
}

// Partition 把条目切分为批次，序号从 firstIndex 开始
func Partition(items []types.WorkItem, size, firstIndex int) []types.Batch {
	if size < 1 {
		size = 1
	}
	out := make([]types.Batch, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, types.Batch{
			Index: firstIndex + len(out),
			Items: items[start:end],
		})
	}
	return out
}
