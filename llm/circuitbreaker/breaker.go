package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的最大试探次数
	HalfOpenMaxCalls int

	// OnStateChange 状态变更回调，在持锁状态外同步调用
	OnStateChange func(from State, to State)

	// Now 时钟，测试时可替换
	Now func() time.Time
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		ResetTimeout:     5 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker 是被动式熔断器：调用方自行发起请求，只把结果汇报给熔断器，
// 并在发起前询问 Allow。凭证池为每个凭证持有一个实例。
type Breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	openedAt          time.Time
	halfOpenCallCount int
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := *config
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Minute
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Breaker{
		config: &cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow 判断当前是否允许发起请求。Open 状态超过 ResetTimeout 后进入 HalfOpen。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to State
	changed := false
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.config.Now().Sub(b.openedAt) >= b.config.ResetTimeout {
			from, to, changed = b.state, StateHalfOpen, true
			b.state = StateHalfOpen
			b.halfOpenCallCount = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.halfOpenCallCount < b.config.HalfOpenMaxCalls {
			b.halfOpenCallCount++
			allowed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.logger.Info("circuit half-open")
		b.notify(from, to)
	}
	return allowed
}

// RecordSuccess 汇报一次成功调用
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.state = StateClosed
	b.mu.Unlock()

	if from != StateClosed {
		b.logger.Info("circuit closed", zap.String("from_state", from.String()))
		b.notify(from, StateClosed)
	}
}

// RecordFailure 汇报一次失败调用，返回汇报后的状态
func (b *Breaker) RecordFailure() State {
	b.mu.Lock()
	from := b.state
	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.state = StateOpen
			b.openedAt = b.config.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.config.Now()
		b.halfOpenCallCount = 0
	case StateOpen:
		b.openedAt = b.config.Now()
	}
	to := b.state
	failures := b.failureCount
	b.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit opened",
			zap.String("from_state", from.String()),
			zap.Int("failure_count", failures),
			zap.Int("threshold", b.config.Threshold))
		b.notify(from, to)
	}
	return to
}

// Ready 报告 Allow 此刻是否会放行，不占用半开名额
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.config.Now().Sub(b.openedAt) >= b.config.ResetTimeout
	default:
		return b.halfOpenCallCount < b.config.HalfOpenMaxCalls
	}
}

// Release 归还一次未实际发起的半开试探名额
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCallCount > 0 {
		b.halfOpenCallCount--
	}
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 返回连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// ReopenAt 返回 Open 状态结束的时间点；非 Open 状态返回零值
func (b *Breaker) ReopenAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.config.ResetTimeout)
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.mu.Unlock()

	b.logger.Info("circuit reset", zap.String("from_state", from.String()))
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}
