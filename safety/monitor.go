package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
)

// TriggerType 停止原因类别
type TriggerType string

const (
	TriggerStopFile    TriggerType = "stop_file"
	TriggerHourlyLimit TriggerType = "hourly_failure_limit"
	TriggerTotalLimit  TriggerType = "total_failure_limit"
)

// Trigger 描述一次紧急停止
type Trigger struct {
	Type      TriggerType `json:"type"`
	Message   string      `json:"message"`
	Threshold int         `json:"threshold,omitempty"`
	Current   int         `json:"current,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TriggerHandler 停止回调
type TriggerHandler func(t Trigger)

// Stats 监控计数
type Stats struct {
	Successes      int            `json:"successes"`
	TotalFailures  int            `json:"total_failures"`
	RecentFailures int            `json:"recent_failures"`
	ByCode         map[string]int `json:"failures_by_code,omitempty"`
}

// Monitor 跟踪失败并判断是否紧急停止
type Monitor struct {
	cfg    config.SafetyConfig
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	failures  []time.Time
	total     int
	successes int
	byCode    map[string]int
	triggered *Trigger
	handlers  []TriggerHandler
}

// Option 配置 Monitor
type Option func(*Monitor)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithWindow 设置失败统计窗口，默认一小时
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// NewMonitor 创建监控
func NewMonitor(cfg config.SafetyConfig, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		window: time.Hour,
		now:    time.Now,
		logger: zap.NewNop(),
		byCode: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "safety_monitor"))
	return m
}

// OnTrigger 注册停止回调，首次触发时调用一次
func (m *Monitor) OnTrigger(h TriggerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// RecordFailure 记录一次永久失败
func (m *Monitor) RecordFailure(code string, detail string) {
	m.mu.Lock()
	now := m.now()
	m.failures = append(m.failures, now)
	m.total++
	if code != "" {
		m.byCode[code]++
	}
	m.pruneLocked(now)
	m.mu.Unlock()

	m.logger.Debug("failure recorded", zap.String("code", code), zap.String("detail", detail))
}

// RecordSuccess 记录一次成功
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.successes++
	m.mu.Unlock()
}

// ObserveResult 按结果记录成功或失败
func (m *Monitor) ObserveResult(res types.GenerationResult) {
	if res.Success() {
		m.RecordSuccess()
		return
	}
	m.RecordFailure(string(res.Err.Code), res.ItemID+": "+res.Err.Message)
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.failures) && !m.failures[i].After(cutoff) {
		i++
	}
	m.failures = m.failures[i:]
}

// ShouldStop 检查停止条件，返回原因
func (m *Monitor) ShouldStop() (bool, string) {
	m.mu.Lock()
	if m.triggered != nil {
		reason := m.triggered.Message
		m.mu.Unlock()
		return true, reason
	}

	now := m.now()
	m.pruneLocked(now)
	t := m.evaluateLocked(now)
	if t == nil {
		m.mu.Unlock()
		return false, ""
	}
	m.triggered = t
	handlers := append([]TriggerHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Error("emergency stop triggered",
		zap.String("type", string(t.Type)),
		zap.String("reason", t.Message),
		zap.Int("threshold", t.Threshold),
		zap.Int("current", t.Current))
	for _, h := range handlers {
		m.invokeSafe(h, *t)
	}
	return true, t.Message
}

func (m *Monitor) evaluateLocked(now time.Time) *Trigger {
	if m.cfg.StopFile != "" {
		if _, err := os.Stat(m.cfg.StopFile); err == nil {
			return &Trigger{
				Type:      TriggerStopFile,
				Message:   fmt.Sprintf("stop file %s present", m.cfg.StopFile),
				Timestamp: now,
			}
		}
	}
	if limit := m.cfg.MaxFailuresPerHour; limit > 0 && len(m.failures) >= limit {
		return &Trigger{
			Type:      TriggerHourlyLimit,
			Message:   fmt.Sprintf("%d failures in the last %s", len(m.failures), m.window),
			Threshold: limit,
			Current:   len(m.failures),
			Timestamp: now,
		}
	}
	if limit := m.cfg.EmergencyThreshold; limit > 0 && m.total >= limit {
		return &Trigger{
			Type:      TriggerTotalLimit,
			Message:   fmt.Sprintf("%d failures in total", m.total),
			Threshold: limit,
			Current:   m.total,
			Timestamp: now,
		}
	}
	return nil
}

func (m *Monitor) invokeSafe(h TriggerHandler, t Trigger) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("trigger handler panicked", zap.Any("panic", r))
		}
	}()
	h(t)
}

// Triggered 返回已触发的停止，未触发时为 nil
func (m *Monitor) Triggered() *Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggered == nil {
		return nil
	}
	t := *m.triggered
	return &t
}

// Stats 返回计数快照
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	byCode := make(map[string]int, len(m.byCode))
	for k, v := range m.byCode {
		byCode[k] = v
	}
	return Stats{
		Successes:      m.successes,
		TotalFailures:  m.total,
		RecentFailures: len(m.failures),
		ByCode:         byCode,
	}
}

// UpdateThresholds 更新失败阈值，已触发的停止不受影响
func (m *Monitor) UpdateThresholds(maxPerHour, total int) {
	m.mu.Lock()
	m.cfg.MaxFailuresPerHour = maxPerHour
	m.cfg.EmergencyThreshold = total
	m.mu.Unlock()
	m.logger.Info("failure thresholds updated",
		zap.Int("max_failures_per_hour", maxPerHour),
		zap.Int("emergency_threshold", total))
}

// Reset 清空计数与停止状态
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
	m.total = 0
	m.successes = 0
	m.byCode = make(map[string]int)
	m.triggered = nil
}

// Report 是紧急停止报告文件的内容
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Trigger   *Trigger  `json:"trigger,omitempty"`
	Stats     Stats     `json:"stats"`
	Summary   any       `json:"summary,omitempty"`
}

// WriteReport 写出停止报告，summary 通常是运行摘要（含最终 cursor）
func (m *Monitor) WriteReport(path string, summary any) error {
	if path == "" {
		return errors.New("report path is empty")
	}
	rep := Report{
		Timestamp: m.now(),
		Trigger:   m.Triggered(),
		Stats:     m.Stats(),
		Summary:   summary,
	}
	if rep.Trigger != nil {
		rep.Reason = rep.Trigger.Message
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename report: %w", err)
	}
	m.logger.Info("emergency report written", zap.String("path", path))
	return nil
}
