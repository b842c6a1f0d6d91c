package ratelimit

import (
	"sync"
	"time"

	"github.com/BaSui01/qaforge/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 基础间隔为 0 时首次限速的惩罚起点
const minPenalty = time.Second

// Governor 按凭证控制请求节奏，可并发使用
type Governor struct {
	mu       sync.Mutex
	cfg      config.GovernorConfig
	profiles map[string]profile
	states   map[string]*credState
	now      func() time.Time
	logger   *zap.Logger
}

type profile struct {
	baseDelay time.Duration
	rpm       int
}

type credState struct {
	provider  string
	current   time.Duration
	successes int
	limiter   *rate.Limiter
	window    []time.Time
}

// CredentialState 凭证的节奏快照
type CredentialState struct {
	CredentialID string        `json:"credential_id"`
	Provider     string        `json:"provider"`
	Delay        time.Duration `json:"delay"`
	InWindow     int           `json:"in_window"`
	Limit        int           `json:"limit"`
}

// Option 配置 Governor
type Option func(*Governor)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGovernor 创建 Governor
func NewGovernor(providers []config.ProviderConfig, cfg config.GovernorConfig, opts ...Option) *Governor {
	g := &Governor{
		cfg:      cfg,
		profiles: make(map[string]profile),
		states:   make(map[string]*credState),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cfg.Window <= 0 {
		g.cfg.Window = time.Minute
	}
	g.logger = g.logger.With(zap.String("component", "rate_governor"))
	for _, p := range providers {
		g.profiles[p.Name] = profile{baseDelay: p.RateLimitDelay, rpm: p.MaxRequestsPerMinute}
	}
	return g
}

// UpdateProfiles 替换提供商的基础间隔与窗口上限。
// 已有凭证的当前间隔不低于新的基础值。
func (g *Governor) UpdateProfiles(providers []config.ProviderConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, p := range providers {
		g.profiles[p.Name] = profile{baseDelay: p.RateLimitDelay, rpm: p.MaxRequestsPerMinute}
	}
	for _, s := range g.states {
		base := g.profiles[s.provider].baseDelay
		if s.current < base {
			s.current = base
			s.limiter.SetLimitAt(now, every(base))
		}
	}
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

func (g *Governor) stateLocked(id, provider string) *credState {
	s, ok := g.states[id]
	if !ok {
		base := g.profiles[provider].baseDelay
		s = &credState{
			provider: provider,
			current:  base,
			limiter:  rate.NewLimiter(every(base), 1),
		}
		g.states[id] = s
	}
	return s
}

// Slot Reserve 占用的节奏槽位
type Slot struct {
	r  *rate.Reservation
	at time.Time
}

// Cancel 归还未使用的槽位，后续预约不再为它让出间隔
func (s Slot) Cancel() {
	if s.r != nil {
		s.r.CancelAt(s.at)
	}
}

// Reserve 占用该凭证的下一个节奏槽位，返回需要等待的时间。
// 调用方最终未发出请求时应 Cancel 返回的槽位。
func (g *Governor) Reserve(id, provider string) (time.Duration, Slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stateLocked(id, provider)
	now := g.now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return g.cfg.MaxDelay, Slot{}
	}
	delay := r.DelayFrom(now)
	return delay, Slot{r: r, at: now.Add(delay)}
}

// DelayFor 返回距该凭证下一个节奏槽位的等待时间，并占用该槽位
func (g *Governor) DelayFor(id, provider string) time.Duration {
	delay, _ := g.Reserve(id, provider)
	return delay
}

// Permit 滑动窗口检查；返回 true 时同时记录本次请求
func (g *Governor) Permit(id, provider string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stateLocked(id, provider)
	limit := g.profiles[provider].rpm
	if limit <= 0 {
		return true
	}
	now := g.now()
	g.pruneLocked(s, now)
	if len(s.window) >= limit {
		return false
	}
	s.window = append(s.window, now)
	return true
}

// NextSlot 返回距 Permit 可能成功的时间
func (g *Governor) NextSlot(id, provider string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stateLocked(id, provider)
	limit := g.profiles[provider].rpm
	if limit <= 0 {
		return 0
	}
	now := g.now()
	g.pruneLocked(s, now)
	if len(s.window) < limit {
		return 0
	}
	// 窗口已满：等最早的 len-limit+1 条中最晚的一条滑出
	oldest := s.window[len(s.window)-limit]
	return oldest.Add(g.cfg.Window).Sub(now)
}

func (g *Governor) pruneLocked(s *credState, now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(s.window) && !s.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// ReportSuccess 连续成功达到阈值后衰减间隔
func (g *Governor) ReportSuccess(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[id]
	if !ok {
		return
	}
	s.successes++
	base := g.profiles[s.provider].baseDelay
	if s.successes < g.cfg.DecayAfter || s.current <= base {
		return
	}
	s.successes = 0
	next := time.Duration(float64(s.current) * g.cfg.DecayFactor)
	if next < base {
		next = base
	}
	s.current = next
	s.limiter.SetLimitAt(g.now(), every(next))
}

// ReportRateLimited 间隔翻倍，不超过 max_delay
func (g *Governor) ReportRateLimited(id string) {
	g.mu.Lock()
	s, ok := g.states[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	s.successes = 0
	next := s.current * 2
	if next < minPenalty {
		next = minPenalty
	}
	if g.cfg.MaxDelay > 0 && next > g.cfg.MaxDelay {
		next = g.cfg.MaxDelay
	}
	prev := s.current
	s.current = next
	s.limiter.SetLimitAt(g.now(), every(next))
	g.mu.Unlock()

	if next != prev {
		g.logger.Info("adaptive delay increased",
			zap.String("credential", id),
			zap.Duration("from", prev),
			zap.Duration("to", next))
	}
}

// CurrentDelay 返回当前自适应间隔
func (g *Governor) CurrentDelay(id string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[id]; ok {
		return s.current
	}
	return 0
}

// Forget 删除凭证状态，凭证移除时调用
func (g *Governor) Forget(id string) {
	g.mu.Lock()
	delete(g.states, id)
	g.mu.Unlock()
}

// Snapshot 返回所有已知凭证的节奏状态
func (g *Governor) Snapshot() []CredentialState {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make([]CredentialState, 0, len(g.states))
	for id, s := range g.states {
		g.pruneLocked(s, now)
		out = append(out, CredentialState{
			CredentialID: id,
			Provider:     s.provider,
			Delay:        s.current,
			InWindow:     len(s.window),
			Limit:        g.profiles[s.provider].rpm,
		})
	}
	return out
}
