package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *fakeClock, *[]State) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := NewCircuitBreaker(&Config{
		Threshold:    threshold,
		ResetTimeout: reset,
		Now:          clk.Now,
		OnStateChange: func(_ State, to State) {
			transitions = append(transitions, to)
		},
	}, zap.NewNop())
	return b, clk, &transitions
}

// ---------------------------------------------------------------------------
// NewCircuitBreaker
// ---------------------------------------------------------------------------

func TestNewCircuitBreaker(t *testing.T) {
	tests := []struct {
		name              string
		cfg               *Config
		wantThreshold     int
		wantResetTimeout  time.Duration
		wantHalfOpenCalls int
	}{
		{
			name:              "nil config uses defaults",
			cfg:               nil,
			wantThreshold:     5,
			wantResetTimeout:  5 * time.Minute,
			wantHalfOpenCalls: 1,
		},
		{
			name:              "zero values corrected to defaults",
			cfg:               &Config{HalfOpenMaxCalls: -1},
			wantThreshold:     5,
			wantResetTimeout:  5 * time.Minute,
			wantHalfOpenCalls: 1,
		},
		{
			name:              "custom values preserved",
			cfg:               &Config{Threshold: 3, ResetTimeout: 10 * time.Second, HalfOpenMaxCalls: 2},
			wantThreshold:     3,
			wantResetTimeout:  10 * time.Second,
			wantHalfOpenCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewCircuitBreaker(tt.cfg, nil)
			assert.Equal(t, tt.wantThreshold, b.config.Threshold)
			assert.Equal(t, tt.wantResetTimeout, b.config.ResetTimeout)
			assert.Equal(t, tt.wantHalfOpenCalls, b.config.HalfOpenMaxCalls)
			assert.Equal(t, StateClosed, b.State())
		})
	}
}

// ---------------------------------------------------------------------------
// 状态机
// ---------------------------------------------------------------------------

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(3, time.Minute)

	assert.Equal(t, StateClosed, b.RecordFailure())
	assert.Equal(t, StateClosed, b.RecordFailure())
	assert.True(t, b.Allow())
	assert.Equal(t, StateOpen, b.RecordFailure())
	assert.False(t, b.Allow())
	assert.Equal(t, 3, b.Failures())
	assert.Equal(t, []State{StateOpen}, *transitions)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordSuccess()
	assert.Zero(t, b.Failures())
	assert.Equal(t, StateClosed, b.RecordFailure())
}

func TestBreaker_HalfOpenAfterReset(t *testing.T) {
	b, clk, transitions := newTestBreaker(1, time.Minute)

	require.Equal(t, StateOpen, b.RecordFailure())
	assert.Equal(t, clk.Now().Add(time.Minute), b.ReopenAt())

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow())

	clk.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.ReopenAt().IsZero())

	// 半开只允许一次试探
	assert.False(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, *transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(time.Minute)
	require.True(t, b.Allow())

	// 半开状态下一次失败立即重新熔断
	assert.Equal(t, StateOpen, b.RecordFailure())
	assert.Equal(t, clk.Now().Add(time.Minute), b.ReopenAt())
}

func TestBreaker_Reset(t *testing.T) {
	b, _, transitions := newTestBreaker(1, time.Hour)
	b.RecordFailure()
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, []State{StateOpen, StateClosed}, *transitions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(9).String())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := NewCircuitBreaker(&Config{Threshold: 1000}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow()
				b.RecordFailure()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Failures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ReleaseReturnsHalfOpenSlot(t *testing.T) {
	b, clk, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	clk.Advance(time.Minute)

	require.True(t, b.Allow())
	require.False(t, b.Allow())
	b.Release()
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ReadyDoesNotTakeSlot(t *testing.T) {
	b, clk, _ := newTestBreaker(1, time.Minute)
	assert.True(t, b.Ready())

	b.RecordFailure()
	assert.False(t, b.Ready())

	clk.Advance(time.Minute)
	assert.True(t, b.Ready())
	assert.True(t, b.Ready(), "Ready must not consume the trial")
	require.True(t, b.Allow())
	assert.False(t, b.Ready())

	b.Release()
	assert.True(t, b.Ready())
}
