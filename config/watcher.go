// 文件变更监听器。
//
// 按固定间隔比较每个文件的 mtime、大小与内容摘要，变更在同一个循环里
// 按路径合并，静默 debounceDelay 后统一回调。配置热重载与实时密钥注入共用。
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileWatcher 轮询一组文件并在内容变化时回调
type FileWatcher struct {
	paths         []string
	debounceDelay time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	callbacks []func(FileEvent)
	states    map[string]fileState
	stop      chan struct{}
}

// fileState 秒级 mtime 分辨不出的快速改写由摘要补足
type fileState struct {
	modTime time.Time
	size    int64
	digest  [sha256.Size]byte
}

// FileEvent 单个文件的变更
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 变更类型
type FileOp int

const (
	// FileOpCreate 文件出现
	FileOpCreate FileOp = iota
	// FileOpWrite 内容变化
	FileOpWrite
	// FileOpRemove 文件消失
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置合并窗口
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher 创建监听器。路径可以暂不存在，出现时产生 FileOpCreate。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		logger:        zap.NewNop(),
		states:        make(map[string]fileState),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %s: %w", p, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnChange 注册回调。回调在监听循环中串行执行。
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Start 记录当前文件状态并启动监听循环，直到 ctx 结束或 Stop
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.stop = make(chan struct{})
	for _, p := range w.paths {
		if st, ok := readState(p); ok {
			w.states[p] = st
		}
	}
	stop := w.stop
	w.mu.Unlock()

	go w.loop(ctx, stop)

	w.logger.Debug("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 结束监听循环，可重复调用
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			changed := w.scan(now)
			if len(changed) == 0 {
				continue
			}
			for _, evt := range changed {
				pending[evt.Path] = evt
			}
			settle = time.After(w.debounceDelay)
		case <-settle:
			settle = nil
			w.deliver(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// scan 返回自上次扫描以来状态变化的文件
func (w *FileWatcher) scan(now time.Time) []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []FileEvent
	for _, p := range w.paths {
		prev, had := w.states[p]
		cur, has := readState(p)
		var op FileOp
		switch {
		case had && !has:
			delete(w.states, p)
			op = FileOpRemove
		case has && !had:
			w.states[p] = cur
			op = FileOpCreate
		case has && cur != prev:
			w.states[p] = cur
			op = FileOpWrite
		default:
			continue
		}
		out = append(out, FileEvent{Path: p, Op: op, Timestamp: now})
	}
	return out
}

func (w *FileWatcher) deliver(events map[string]FileEvent) {
	w.mu.Lock()
	callbacks := append(([]func(FileEvent))(nil), w.callbacks...)
	w.mu.Unlock()

	for _, evt := range events {
		w.logger.Debug("file changed", zap.String("path", evt.Path), zap.Stringer("op", evt.Op))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}

func readState(path string) (fileState, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, false
	}
	return fileState{modTime: info.ModTime(), size: info.Size(), digest: sha256.Sum256(data)}, true
}
