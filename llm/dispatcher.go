package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BaSui01/qaforge/augment"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/ratelimit"
	"github.com/BaSui01/qaforge/llm/retry"
	"github.com/BaSui01/qaforge/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DispatchObserver 接收每次尝试的结果，由 internal/metrics 实现
type DispatchObserver interface {
	ObserveAttempt(provider, credentialID, outcome string, latency time.Duration)
	ObserveRetry(provider, kind string)
}

// UsageEvent 描述一次已发出的请求，供用量账本记录
type UsageEvent struct {
	ItemID           string
	CredentialID     string
	Provider         string
	Model            string
	Success          bool
	Latency          time.Duration
	Prompt           string
	Completion       string
	PromptTokens     int
	CompletionTokens int
	At               time.Time
}

// UsageRecorder 接收 UsageEvent，必须是非阻塞的
type UsageRecorder interface {
	RecordUsage(ev UsageEvent)
}

// SleepFunc 可被 ctx 打断的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

// DispatcherConfig 调度参数
type DispatcherConfig struct {
	// MaxAttempts 每个 WorkItem 的总尝试次数
	MaxAttempts int
	// RequestTimeout 单次请求超时
	RequestTimeout time.Duration
	// CredentialWaitTimeout 无可用凭证时等待的最长时间，0 表示不等待
	CredentialWaitTimeout time.Duration
	// Retry 传输类失败的退避策略
	Retry *retry.RetryPolicy
}

// Dispatcher 为单个 WorkItem 选择凭证、限速、调用提供商并对失败分类重试。
// 并发安全：多个 worker 共享同一个实例。
type Dispatcher struct {
	pool      *CredentialPool
	governor  *ratelimit.Governor
	providers map[string]providers.Provider
	prompts   *augment.PromptBuilder
	cfg       DispatcherConfig

	sleep    SleepFunc
	now      func() time.Time
	tracer   trace.Tracer
	observer DispatchObserver
	usage    UsageRecorder
	logger   *zap.Logger
}

// DispatcherOption 配置 Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 设置日志
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithSleep 替换等待函数，测试中用来推进假时钟
func WithSleep(fn SleepFunc) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithDispatcherClock 设置时钟
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithTracer 设置 OTel tracer，默认取全局 TracerProvider
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithObserver 设置指标观察者
func WithObserver(o DispatchObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// WithUsageRecorder 设置用量记录
func WithUsageRecorder(r UsageRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.usage = r }
}

// NewDispatcher 创建 Dispatcher。provs 以 profile 名称为键。
func NewDispatcher(
	pool *CredentialPool,
	governor *ratelimit.Governor,
	provs map[string]providers.Provider,
	prompts *augment.PromptBuilder,
	cfg DispatcherConfig,
	opts ...DispatcherOption,
) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryPolicy()
	}
	if prompts == nil {
		prompts, _ = augment.NewPromptBuilder("")
	}

	d := &Dispatcher{
		pool:      pool,
		governor:  governor,
		providers: provs,
		prompts:   prompts,
		cfg:       cfg,
		sleep:     retry.Sleep,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/BaSui01/qaforge/llm"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatcher"))
	return d
}

// attemptState 单个 WorkItem 的尝试记录
type attemptState struct {
	tried      []string
	authFailed bool
	transient  int
	lastErr    *types.Error
}

// Generate 处理一个 WorkItem，直到成功、永久失败或尝试次数耗尽。
// 结果的 Err 非空时，Retryable 表示是否值得在批内重新排队；
// Fatal() 为真时调用方应停止整个运行。
func (d *Dispatcher) Generate(ctx context.Context, item types.WorkItem) types.GenerationResult {
	return d.GenerateWithin(ctx, item, d.cfg.MaxAttempts)
}

// GenerateWithin 与 Generate 相同，但最多尝试 attempts 次（不超过 MaxAttempts）。
// 批内重新排队的条目用它消耗剩余的尝试预算。
func (d *Dispatcher) GenerateWithin(ctx context.Context, item types.WorkItem, attempts int) types.GenerationResult {
	if attempts < 1 || attempts > d.cfg.MaxAttempts {
		attempts = d.cfg.MaxAttempts
	}
	res := types.GenerationResult{ItemID: item.ID}

	prompt, err := d.prompts.Build(item)
	if err != nil {
		res.Err = types.NewError(types.ErrInvalidRequest, "render prompt").WithCause(err)
		return res
	}

	st := &attemptState{}
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt

		cred, err := d.reserve(ctx, st.tried)
		if err != nil {
			res.Err = toTypedError(ctx, err)
			return res
		}
		st.tried = appendUnique(st.tried, cred.ID)

		variations, resp, callErr := d.attempt(ctx, item, prompt, cred, attempt)
		if ctx.Err() != nil {
			// 运行被取消，失败不归咎于凭证
			d.pool.Release(cred.ID)
			res.Err = cancelled(ctx.Err())
			return res
		}

		if callErr == nil {
			_ = d.pool.ReportSuccess(cred.ID)
			d.governor.ReportSuccess(cred.ID)
			res.Variations = variations
			res.CredentialID = cred.ID
			res.Provider = cred.Provider
			res.Latency = resp.Latency
			res.Err = nil
			return res
		}

		st.lastErr = callErr
		retryable, done := d.classify(cred, callErr, st)
		if done || attempt == attempts {
			res.CredentialID = cred.ID
			res.Provider = cred.Provider
			res.Err = withRetryable(callErr, retryable)
			return res
		}

		var delay time.Duration
		if isTransportFailure(callErr.Code) {
			st.transient++
			delay = d.cfg.Retry.Delay(st.transient)
		}

		d.logger.Warn("retrying work item",
			zap.String("item_id", item.ID),
			zap.String("credential_id", cred.ID),
			zap.String("kind", string(callErr.Code)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.String("error", callErr.Message),
		)
		if d.observer != nil {
			d.observer.ObserveRetry(cred.Provider, strings.ToLower(string(callErr.Code)))
		}

		if delay > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				res.Err = cancelled(err)
				return res
			}
		}
	}

	// 不可达：循环内最后一次尝试总会返回
	res.Err = withRetryable(st.lastErr, true)
	return res
}

// classify 把失败报告给凭证池和限速器。
// 返回 retryable 表示失败是否值得稍后重试，done 表示不应继续本轮尝试。
func (d *Dispatcher) classify(cred Credential, err *types.Error, st *attemptState) (retryable, done bool) {
	switch err.Code {
	case types.ErrRateLimited:
		_ = d.pool.ReportFailure(cred.ID, FailureRateLimited)
		d.governor.ReportRateLimited(cred.ID)
		return true, false

	case types.ErrQuotaExhausted:
		_ = d.pool.ReportFailure(cred.ID, FailureQuotaExhausted)
		return true, false

	case types.ErrAuthInvalid:
		_ = d.pool.ReportFailure(cred.ID, FailureAuthInvalid)
		if st.authFailed {
			return false, true
		}
		st.authFailed = true
		return false, false

	case types.ErrTransient, types.ErrTimeout, types.ErrMalformedResponse:
		_ = d.pool.ReportFailure(cred.ID, FailureTransient)
		return true, false

	default:
		// 请求本身有误，与凭证无关
		d.pool.Release(cred.ID)
		return false, true
	}
}

// reserve 取得一个凭证并通过限速器。
// 优先选择本条目尚未尝试过的凭证；窗口已满的凭证会被临时跳过。
func (d *Dispatcher) reserve(ctx context.Context, tried []string) (Credential, error) {
	var full []Credential
	for {
		exclude := make([]string, 0, len(tried)+len(full))
		exclude = append(exclude, tried...)
		for _, c := range full {
			exclude = append(exclude, c.ID)
		}

		cred, err := d.pool.Acquire(exclude...)
		if err != nil && len(full) > 0 {
			// 其余凭证都已到窗口上限，等最早的空位
			if err := d.sleep(ctx, d.earliestSlot(full)); err != nil {
				return Credential{}, err
			}
			full = full[:0]
			continue
		}
		if err != nil && len(tried) > 0 {
			cred, err = d.pool.Acquire()
		}
		if err != nil {
			if err := d.waitForCredential(ctx); err != nil {
				return Credential{}, err
			}
			continue
		}

		delay, slot := d.governor.Reserve(cred.ID, cred.Provider)
		if err := d.sleep(ctx, delay); err != nil {
			slot.Cancel()
			d.pool.Release(cred.ID)
			return Credential{}, err
		}
		if d.governor.Permit(cred.ID, cred.Provider) {
			return cred, nil
		}
		slot.Cancel()
		d.pool.Release(cred.ID)
		full = append(full, cred)
	}
}

func (d *Dispatcher) earliestSlot(full []Credential) time.Duration {
	var earliest time.Duration
	for i, c := range full {
		wait := d.governor.NextSlot(c.ID, c.Provider)
		if i == 0 || wait < earliest {
			earliest = wait
		}
	}
	return earliest
}

// waitForCredential 等待注入、冷却到期或运维恢复
func (d *Dispatcher) waitForCredential(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	stats := d.pool.Stats()
	d.logger.Warn("no healthy credential, waiting",
		zap.Duration("timeout", d.cfg.CredentialWaitTimeout),
		zap.Int("total", stats.Total),
		zap.Int("rate_limited", stats.RateLimited),
		zap.Int("exhausted", stats.Exhausted),
		zap.Int("invalid", stats.Invalid),
	)

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.CredentialWaitTimeout)
	defer cancel()
	if err := d.pool.WaitAvailable(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Error("gave up waiting for a healthy credential",
			zap.Duration("timeout", d.cfg.CredentialWaitTimeout))
		return types.ErrNoHealthy
	}
	d.logger.Info("credential available again")
	return nil
}

// attempt 发出一次请求并解析结果
func (d *Dispatcher) attempt(ctx context.Context, item types.WorkItem, prompt string, cred Credential, n int) ([]types.Variation, *providers.Response, *types.Error) {
	ctx, span := d.tracer.Start(ctx, "qaforge.dispatch.attempt",
		trace.WithAttributes(
			attribute.String("qaforge.item_id", item.ID),
			attribute.String("qaforge.credential_id", cred.ID),
			attribute.String("qaforge.provider", cred.Provider),
			attribute.Int("qaforge.attempt", n),
		),
	)
	defer span.End()

	provider, ok := d.providers[cred.Provider]
	if !ok {
		err := types.NewError(types.ErrInvalidRequest, "no provider registered for "+cred.Provider).
			WithProvider(cred.Provider)
		span.SetStatus(codes.Error, err.Message)
		return nil, nil, err
	}

	req := &providers.Request{Prompt: prompt}
	if profile, ok := d.pool.Profile(cred.Provider); ok {
		req.Model = profile.Model
		req.Temperature = float32(profile.Temperature)
		req.MaxTokens = profile.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	start := d.now()
	resp, err := provider.Generate(callCtx, cred.Secret, req)
	latency := d.now().Sub(start)
	cancel()

	var variations []types.Variation
	if err == nil {
		if resp.Latency == 0 {
			resp.Latency = latency
		}
		variations, err = augment.ParseVariations(resp.Text, item)
	}

	var typed *types.Error
	outcome := "success"
	if err != nil {
		typed = toTypedError(ctx, err)
		if typed.Provider == "" {
			cp := *typed
			cp.Provider = cred.Provider
			typed = &cp
		}
		outcome = strings.ToLower(string(typed.Code))
		span.RecordError(err)
		span.SetStatus(codes.Error, typed.Message)
	}
	span.SetAttributes(attribute.String("qaforge.outcome", outcome))

	if d.observer != nil {
		d.observer.ObserveAttempt(cred.Provider, cred.ID, outcome, latency)
	}
	if d.usage != nil && ctx.Err() == nil {
		ev := UsageEvent{
			ItemID:       item.ID,
			CredentialID: cred.ID,
			Provider:     cred.Provider,
			Model:        req.Model,
			Success:      typed == nil,
			Latency:      latency,
			Prompt:       prompt,
			At:           start,
		}
		if resp != nil {
			ev.Completion = resp.Text
			ev.PromptTokens = resp.Usage.PromptTokens
			ev.CompletionTokens = resp.Usage.CompletionTokens
			if resp.Model != "" {
				ev.Model = resp.Model
			}
		}
		d.usage.RecordUsage(ev)
	}

	return variations, resp, typed
}

func isTransportFailure(code types.ErrorCode) bool {
	switch code {
	case types.ErrTransient, types.ErrTimeout, types.ErrMalformedResponse:
		return true
	}
	return false
}

// toTypedError 未分类的错误视为 transient。
// 父 ctx 仍有效时的 DeadlineExceeded 来自单次请求超时，可重试。
func toTypedError(ctx context.Context, err error) *types.Error {
	if te, ok := types.AsError(err); ok {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return types.NewError(types.ErrTimeout, "request timed out").WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancelled(err)
	}
	return types.NewError(types.ErrTransient, err.Error()).WithCause(err).WithRetryable(true)
}

func cancelled(err error) *types.Error {
	return types.NewError(types.ErrStopped, "dispatch cancelled").WithCause(err)
}

// withRetryable 返回设置了 Retryable 的副本，不修改共享的哨兵错误
func withRetryable(err *types.Error, retryable bool) *types.Error {
	if err == nil {
		return nil
	}
	cp := *err
	cp.Retryable = retryable
	return &cp
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
