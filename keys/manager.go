package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/types"
	"go.uber.org/zap"
)

// Pool 是 Manager 需要的凭证池能力，由 llm.CredentialPool 实现
type Pool interface {
	Inject(provider, secret string) (llm.Credential, error)
	Remove(id string) error
	Reinstate(id string) error
	Stats() llm.PoolStats
}

// Manager 监听注入文件并把新密钥注入凭证池
type Manager struct {
	path            string
	pool            Pool
	prober          Prober
	defaultProvider string
	debounce        time.Duration
	pollInterval    time.Duration
	bufferSize      int
	logger          *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	pending chan Entry
	notify  chan struct{}
	watcher *config.FileWatcher
	stats   Stats
}

// Stats 注入统计
type Stats struct {
	Injected   int `json:"injected"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
	Removed    int `json:"removed"`
	Reinstated int `json:"reinstated"`
}

// Option 配置 Manager
type Option func(*Manager)

// WithProber 设置注入前的探测器，nil 表示不探测
func WithProber(p Prober) Option {
	return func(m *Manager) { m.prober = p }
}

// WithDefaultProvider 设置无前缀密钥行使用的提供商
func WithDefaultProvider(name string) Option {
	return func(m *Manager) { m.defaultProvider = name }
}

// WithDebounce 设置文件变更防抖
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithPollInterval 设置文件轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithBufferSize 设置待注入通道容量
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager 创建密钥管理器
func NewManager(path string, pool Pool, opts ...Option) *Manager {
	m := &Manager{
		path:         path,
		pool:         pool,
		debounce:     200 * time.Millisecond,
		pollInterval: time.Second,
		bufferSize:   64,
		logger:       zap.NewNop(),
		seen:         make(map[string]struct{}),
		notify:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pending = make(chan Entry, m.bufferSize)
	m.logger = m.logger.With(zap.String("component", "key_manager"))
	return m
}

// Start 扫描一次文件并开始监听
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		return fmt.Errorf("key manager already started")
	}
	w, err := config.NewFileWatcher([]string{m.path},
		config.WithDebounceDelay(m.debounce),
		config.WithPollInterval(m.pollInterval),
		config.WithWatcherLogger(m.logger),
	)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("watch key file: %w", err)
	}
	m.watcher = w
	m.mu.Unlock()

	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			return
		}
		m.Scan()
	})
	m.Scan()
	return w.Start(ctx)
}

// Stop 停止监听
func (m *Manager) Stop() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// Run 启动监听并阻塞到 ctx 结束。
// 凭证池没有健康凭证时，新密钥会被立即注入。
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
			if m.pool.Stats().Healthy == 0 {
				m.logger.Info("pool stalled, injecting new keys immediately")
				m.Poll(ctx)
			}
		}
	}
}

// Scan 重新读取文件，把未见过的密钥放入待注入通道，返回新增数量
func (m *Manager) Scan() int {
	entries, errs, err := ReadFile(m.path, m.defaultProvider)
	if err != nil {
		m.logger.Warn("failed to read key file", zap.String("path", m.path), zap.Error(err))
		return 0
	}

	m.mu.Lock()
	m.stats.Malformed += len(errs)
	queued := 0
	for _, e := range entries {
		key := e.seenKey()
		if _, ok := m.seen[key]; ok {
			continue
		}
		select {
		case m.pending <- e:
			m.seen[key] = struct{}{}
			queued++
		default:
			// 通道已满，留给下次扫描
			m.logger.Warn("key buffer full, deferring", zap.Int("line", e.Line))
		}
	}
	m.mu.Unlock()

	for _, perr := range errs {
		m.logger.Warn("ignoring malformed key line", zap.Error(perr))
	}
	if queued > 0 {
		m.logger.Info("new key file lines detected", zap.Int("count", queued))
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return queued
}

// Poll 排空待注入通道，探测后注入，返回成功注入的数量。
// 运维指令在同一轮中执行，不计入返回值。
func (m *Manager) Poll(ctx context.Context) int {
	injected := 0
	for {
		var e Entry
		select {
		case e = <-m.pending:
		default:
			return injected
		}
		if m.inject(ctx, e) {
			injected++
		}
	}
}

func (m *Manager) inject(ctx context.Context, e Entry) bool {
	if e.Action != ActionAdd {
		m.apply(e)
		return false
	}
	if m.prober != nil {
		if err := m.prober.Probe(ctx, e.Provider, e.Secret); err != nil {
			m.record(func(s *Stats) { s.Rejected++ })
			m.logger.Warn("key failed probe, not injected",
				zap.String("provider", e.Provider),
				zap.String("key", llm.MaskSecret(e.Secret)),
				zap.Error(err))
			return false
		}
	}

	cred, err := m.pool.Inject(e.Provider, e.Secret)
	switch {
	case err == nil:
		m.record(func(s *Stats) { s.Injected++ })
		m.logger.Info("key injected",
			zap.String("credential", cred.ID),
			zap.String("provider", cred.Provider))
		return true
	case errors.Is(err, types.ErrDuplicate):
		m.record(func(s *Stats) { s.Duplicates++ })
		m.logger.Debug("key already in pool", zap.String("key", llm.MaskSecret(e.Secret)))
	default:
		m.record(func(s *Stats) { s.Rejected++ })
		m.logger.Warn("key injection failed",
			zap.String("provider", e.Provider),
			zap.Error(err))
	}
	return false
}

func (m *Manager) apply(e Entry) {
	var err error
	switch e.Action {
	case ActionRemove:
		err = m.pool.Remove(e.CredentialID)
	case ActionReinstate:
		err = m.pool.Reinstate(e.CredentialID)
	}
	if err != nil {
		m.record(func(s *Stats) { s.Rejected++ })
		m.logger.Warn("key file directive failed",
			zap.String("action", string(e.Action)),
			zap.String("credential", e.CredentialID),
			zap.Int("line", e.Line),
			zap.Error(err))
		return
	}
	m.record(func(s *Stats) {
		if e.Action == ActionRemove {
			s.Removed++
		} else {
			s.Reinstated++
		}
	})
	m.logger.Info("key file directive applied",
		zap.String("action", string(e.Action)),
		zap.String("credential", e.CredentialID))
}

func (m *Manager) record(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

// Pending 待注入数量
func (m *Manager) Pending() int {
	return len(m.pending)
}

// Stats 返回注入统计
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
