package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm/circuitbreaker"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
)

// SelectionStrategy 凭证选择策略
type SelectionStrategy string

const (
	StrategyRoundRobin SelectionStrategy = "round_robin" // 轮询
	StrategyRandom     SelectionStrategy = "random"      // 随机
	StrategyLeastUsed  SelectionStrategy = "least_used"  // 最少使用
)

// StateChange 描述一次凭证状态变化
type StateChange struct {
	CredentialID string           `json:"credential_id"`
	Provider     string           `json:"provider"`
	From         CredentialStatus `json:"from"`
	To           CredentialStatus `json:"to"`
	Reason       string           `json:"reason"`
	At           time.Time        `json:"at"`
}

// CredentialPool 多提供商凭证池。
// 所有状态都在一把互斥锁下维护，锁内只做内存记账；回调与日志在锁外执行。
type CredentialPool struct {
	mu        sync.Mutex
	providers []*providerSlot
	byID      map[string]*poolEntry
	bySecret  map[string]string

	cfg      config.PoolConfig
	logger   *zap.Logger
	rng      *rand.Rand
	now      func() time.Time
	changed  chan struct{}
	handlers []func(StateChange)
}

type providerSlot struct {
	profile  config.ProviderConfig
	entries  []*poolEntry
	rrIdx    int
	sequence int
}

type poolEntry struct {
	cred    Credential
	breaker *circuitbreaker.Breaker
}

// PoolOption 配置 CredentialPool
type PoolOption func(*CredentialPool)

// WithPoolLogger 设置日志
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *CredentialPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPoolConfig 设置冷却与阈值参数
func WithPoolConfig(cfg config.PoolConfig) PoolOption {
	return func(p *CredentialPool) {
		p.cfg = cfg
	}
}

// WithPoolClock 替换时钟
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *CredentialPool) {
		p.now = now
	}
}

// WithPoolRand 替换随机源
func WithPoolRand(rng *rand.Rand) PoolOption {
	return func(p *CredentialPool) {
		p.rng = rng
	}
}

// NewCredentialPool 根据提供商配置创建凭证池。
// 提供商按 Priority 降序排列，同优先级保持配置顺序。
func NewCredentialPool(providers []config.ProviderConfig, opts ...PoolOption) *CredentialPool {
	p := &CredentialPool{
		byID:     make(map[string]*poolEntry),
		bySecret: make(map[string]string),
		cfg:      config.DefaultPoolConfig(),
		logger:   zap.NewNop(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "credential_pool"))

	for _, prof := range providers {
		slot := &providerSlot{profile: prof}
		p.providers = append(p.providers, slot)
		for _, secret := range prof.Credentials {
			if _, dup := p.bySecret[secret]; dup {
				p.logger.Warn("duplicate credential in config ignored", zap.String("provider", prof.Name))
				continue
			}
			p.addLocked(slot, secret, false)
		}
	}
	sort.SliceStable(p.providers, func(i, j int) bool {
		return p.providers[i].profile.Priority > p.providers[j].profile.Priority
	})

	p.logger.Info("credential pool initialized",
		zap.Int("providers", len(p.providers)),
		zap.Int("credentials", len(p.byID)))
	return p
}

func (p *CredentialPool) addLocked(slot *providerSlot, secret string, injected bool) *poolEntry {
	slot.sequence++
	id := fmt.Sprintf("%s-%d", slot.profile.Name, slot.sequence)
	e := &poolEntry{
		cred: Credential{
			ID:       id,
			Provider: slot.profile.Name,
			Secret:   secret,
			Label:    MaskSecret(secret),
			Status:   StatusHealthy,
			AddedAt:  p.now(),
			Injected: injected,
		},
		breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Threshold:        p.cfg.FailureThreshold,
			ResetTimeout:     p.cfg.ExhaustCooldown,
			HalfOpenMaxCalls: 1,
			Now:              p.now,
		}, p.logger.With(zap.String("credential", id))),
	}
	slot.entries = append(slot.entries, e)
	p.byID[id] = e
	p.bySecret[secret] = id
	return e
}

// Acquire 从优先级最高且有健康凭证的已启用提供商中选择一个凭证。
// exclude 中的凭证 ID 会被跳过。
func (p *CredentialPool) Acquire(exclude ...string) (Credential, error) {
	p.mu.Lock()
	now := p.now()
	var changes []StateChange

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for _, slot := range p.providers {
		if !slot.profile.Enabled {
			continue
		}
		candidates := make([]*poolEntry, 0, len(slot.entries))
		for _, e := range slot.entries {
			if c, ok := p.refreshLocked(e, now); ok {
				changes = append(changes, c)
			}
			if _, excluded := skip[e.cred.ID]; excluded {
				continue
			}
			if e.cred.Status == StatusHealthy {
				candidates = append(candidates, e)
			}
		}

		// 半开状态的凭证每次只放行一个试探
		for len(candidates) > 0 {
			selected, idx := p.selectLocked(slot, candidates)
			if selected.breaker.Allow() {
				cred := selected.cred
				p.mu.Unlock()
				p.emit(changes)
				return cred, nil
			}
			candidates = append(candidates[:idx], candidates[idx+1:]...)
		}
	}
	p.mu.Unlock()
	p.emit(changes)

	return Credential{}, types.NewError(types.ErrNoHealthyCredential,
		"no healthy credential across enabled providers")
}

func (p *CredentialPool) selectLocked(slot *providerSlot, candidates []*poolEntry) (*poolEntry, int) {
	switch SelectionStrategy(slot.profile.KeyRotationStrategy) {
	case StrategyRandom:
		i := p.rng.Intn(len(candidates))
		return candidates[i], i
	case StrategyLeastUsed:
		best := 0
		for i, e := range candidates {
			if e.cred.TotalRequests < candidates[best].cred.TotalRequests {
				best = i
			}
		}
		return candidates[best], best
	default:
		i := slot.rrIdx % len(candidates)
		slot.rrIdx++
		return candidates[i], i
	}
}

// refreshLocked 冷却到期的凭证恢复为 healthy
func (p *CredentialPool) refreshLocked(e *poolEntry, now time.Time) (StateChange, bool) {
	switch e.cred.Status {
	case StatusRateLimited, StatusExhausted:
		if e.cred.CooldownUntil.IsZero() || now.Before(e.cred.CooldownUntil) {
			return StateChange{}, false
		}
		return p.transitionLocked(e, StatusHealthy, "cooldown expired", now), true
	}
	return StateChange{}, false
}

func (p *CredentialPool) transitionLocked(e *poolEntry, to CredentialStatus, reason string, now time.Time) StateChange {
	from := e.cred.Status
	e.cred.Status = to
	if to == StatusHealthy {
		e.cred.CooldownUntil = time.Time{}
	}
	p.broadcastLocked()
	return StateChange{
		CredentialID: e.cred.ID,
		Provider:     e.cred.Provider,
		From:         from,
		To:           to,
		Reason:       reason,
		At:           now,
	}
}

// broadcastLocked 唤醒所有 WaitAvailable 等待者
func (p *CredentialPool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// ReportSuccess 清零连续失败并更新使用统计
func (p *CredentialPool) ReportSuccess(id string) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %s not found", id)
	}
	now := p.now()
	e.cred.ConsecutiveFailures = 0
	e.cred.LastUsedAt = now
	e.cred.TotalRequests++
	trial := e.breaker.State() != circuitbreaker.StateClosed
	e.breaker.RecordSuccess()
	if trial {
		// 试探结束，等待者重新检查
		p.broadcastLocked()
	}
	p.mu.Unlock()
	return nil
}

// Release 归还 Acquire 得到但未使用的凭证。半开状态下的试探名额随之释放。
func (p *CredentialPool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[id]; ok {
		trial := e.breaker.State() == circuitbreaker.StateHalfOpen
		e.breaker.Release()
		if trial {
			p.broadcastLocked()
		}
	}
}

// ReportFailure 按失败类别更新凭证状态
func (p *CredentialPool) ReportFailure(id string, kind FailureKind) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %s not found", id)
	}
	now := p.now()
	e.cred.ConsecutiveFailures++
	e.cred.LastUsedAt = now
	e.cred.TotalRequests++
	e.cred.FailedRequests++

	var changes []StateChange
	invalid := e.cred.Status == StatusInvalid
	switch kind {
	case FailureRateLimited:
		e.breaker.Release()
		if !invalid {
			e.cred.CooldownUntil = later(e.cred.CooldownUntil, now.Add(p.cfg.RateLimitCooldown))
			if e.cred.Status != StatusExhausted {
				changes = append(changes, p.transitionLocked(e, StatusRateLimited, "rate limited", now))
			}
		}
	case FailureAuthInvalid:
		e.breaker.Release()
		if !invalid {
			changes = append(changes, p.transitionLocked(e, StatusInvalid, "authentication rejected", now))
		}
	case FailureQuotaExhausted:
		e.breaker.Release()
		if !invalid {
			e.cred.CooldownUntil = time.Time{}
			changes = append(changes, p.transitionLocked(e, StatusExhausted, "quota exhausted", now))
		}
	case FailureTransient:
		trial := e.breaker.State() == circuitbreaker.StateHalfOpen
		if e.breaker.RecordFailure() == circuitbreaker.StateOpen && !invalid {
			e.cred.CooldownUntil = later(e.cred.CooldownUntil, e.breaker.ReopenAt())
			if e.cred.Status != StatusExhausted {
				changes = append(changes, p.transitionLocked(e, StatusExhausted, "transient failure threshold reached", now))
			}
		}
		if trial && len(changes) == 0 {
			p.broadcastLocked()
		}
	default:
		p.mu.Unlock()
		return fmt.Errorf("unknown failure kind %q", kind)
	}
	p.mu.Unlock()

	p.emit(changes)
	return nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Inject 运行中加入一条新凭证。调用方负责先完成可用性探测。
func (p *CredentialPool) Inject(provider, secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, types.NewError(types.ErrInvalidInput, "empty credential")
	}

	p.mu.Lock()
	if id, dup := p.bySecret[secret]; dup {
		p.mu.Unlock()
		return Credential{}, types.NewError(types.ErrDuplicateCredential,
			fmt.Sprintf("credential already present as %s", id))
	}
	var slot *providerSlot
	for _, s := range p.providers {
		if s.profile.Name == provider {
			slot = s
			break
		}
	}
	if slot == nil {
		p.mu.Unlock()
		return Credential{}, types.NewError(types.ErrInvalidInput,
			fmt.Sprintf("unknown provider %q", provider))
	}
	e := p.addLocked(slot, secret, true)
	cred := e.cred
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Info("credential injected",
		zap.String("credential", cred.ID),
		zap.String("provider", provider),
		zap.String("label", cred.Label))
	p.emit([]StateChange{{
		CredentialID: cred.ID,
		Provider:     provider,
		To:           StatusHealthy,
		Reason:       "injected",
		At:           cred.AddedAt,
	}})
	return cred, nil
}

// Remove 由运维显式移除凭证
func (p *CredentialPool) Remove(id string) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %s not found", id)
	}
	delete(p.byID, id)
	delete(p.bySecret, e.cred.Secret)
	for _, slot := range p.providers {
		for i, other := range slot.entries {
			if other == e {
				slot.entries = append(slot.entries[:i], slot.entries[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	p.logger.Info("credential removed", zap.String("credential", id))
	return nil
}

// Reinstate 由运维将 exhausted 或 invalid 的凭证恢复为 healthy
func (p *CredentialPool) Reinstate(id string) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %s not found", id)
	}
	e.breaker.Reset()
	e.cred.ConsecutiveFailures = 0
	var changes []StateChange
	if e.cred.Status != StatusHealthy {
		changes = append(changes, p.transitionLocked(e, StatusHealthy, "reinstated", p.now()))
	} else {
		// 熔断器已重置
		p.broadcastLocked()
	}
	p.mu.Unlock()

	p.emit(changes)
	return nil
}

// availableLocked 与 Acquire 使用同一判定：状态健康且熔断器此刻会放行。
// 半开试探名额被占用的凭证不算可用。
func availableLocked(e *poolEntry) bool {
	return e.cred.Status == StatusHealthy && e.breaker.Ready()
}

// WaitAvailable 阻塞直到池中出现可被 Acquire 选中的凭证或 ctx 结束。
// 注入、冷却到期、试探结束、运维恢复都会唤醒等待者。
func (p *CredentialPool) WaitAvailable(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := p.now()
		var changes []StateChange
		available := false
		var nextExpiry time.Time
		for _, slot := range p.providers {
			if !slot.profile.Enabled {
				continue
			}
			for _, e := range slot.entries {
				if c, ok := p.refreshLocked(e, now); ok {
					changes = append(changes, c)
				}
				if availableLocked(e) {
					available = true
				}
				for _, at := range []time.Time{e.cred.CooldownUntil, e.breaker.ReopenAt()} {
					if !at.IsZero() && (nextExpiry.IsZero() || at.Before(nextExpiry)) {
						nextExpiry = at
					}
				}
			}
		}
		ch := p.changed
		p.mu.Unlock()
		p.emit(changes)

		if available {
			return nil
		}

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if !nextExpiry.IsZero() {
			timer = time.NewTimer(nextExpiry.Sub(now))
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-ch:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// OnStateChange 注册状态变化回调，回调在锁外同步执行
func (p *CredentialPool) OnStateChange(fn func(StateChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *CredentialPool) emit(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	p.mu.Lock()
	handlers := make([]func(StateChange), len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, c := range changes {
		fields := []zap.Field{
			zap.String("credential", c.CredentialID),
			zap.String("provider", c.Provider),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)),
			zap.String("reason", c.Reason),
		}
		if c.To == StatusInvalid || c.To == StatusExhausted {
			p.logger.Warn("credential state changed", fields...)
		} else {
			p.logger.Info("credential state changed", fields...)
		}
		for _, h := range handlers {
			h(c)
		}
	}
}

// Get 返回凭证副本
func (p *CredentialPool) Get(id string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return Credential{}, false
	}
	return e.cred, true
}

// Profile 返回提供商配置
func (p *CredentialPool) Profile(name string) (config.ProviderConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.providers {
		if s.profile.Name == name {
			return s.profile, true
		}
	}
	return config.ProviderConfig{}, false
}

// Snapshot 按提供商优先级返回所有凭证副本
func (p *CredentialPool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Credential, 0, len(p.byID))
	for _, slot := range p.providers {
		for _, e := range slot.entries {
			out = append(out, e.cred)
		}
	}
	return out
}

// PoolStats 凭证池统计
type PoolStats struct {
	Total       int            `json:"total"`
	Healthy     int            `json:"healthy"`
	RateLimited int            `json:"rate_limited"`
	Exhausted   int            `json:"exhausted"`
	Invalid     int            `json:"invalid"`
	ByProvider  map[string]int `json:"by_provider"`
}

// Stats 返回按状态聚合的统计
func (p *CredentialPool) Stats() PoolStats {
	stats := PoolStats{ByProvider: make(map[string]int)}
	for _, c := range p.Snapshot() {
		stats.Total++
		stats.ByProvider[c.Provider]++
		switch c.Status {
		case StatusHealthy:
			stats.Healthy++
		case StatusRateLimited:
			stats.RateLimited++
		case StatusExhausted:
			stats.Exhausted++
		case StatusInvalid:
			stats.Invalid++
		}
	}
	return stats
}
