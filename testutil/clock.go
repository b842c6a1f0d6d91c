package testutil

import (
	"sync"
	"time"
)

// FakeClock 是可手动推进的时钟，Now 可直接作为 func() time.Time 注入
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建起始于固定时间点的时钟
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now 返回当前时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时钟
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
