// 配置热重载管理器实现。
//
// 监听配置文件，重新加载并校验后计算字段级变更，通知订阅者。
// 运行中只有少数字段真正生效（见 hotReloadableFields），其余变更仅记录为需要重启。
package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string
	envPrefix  string
	version    int

	watcher      *FileWatcher
	pollInterval time.Duration

	reloadCallbacks []ReloadCallback
	changeLog       []ConfigChange

	logger  *zap.Logger
	running bool
	cancel  context.CancelFunc
}

// ReloadCallback 重新加载配置后调用，changes 不为空
type ReloadCallback func(oldConfig, newConfig *Config, changes []ConfigChange)

// ConfigChange 代表一个字段的变更
type ConfigChange struct {
	Timestamp time.Time `json:"timestamp"`
	// 变更来源（file、manual）
	Source string `json:"source"`
	// 字段路径，如 "Augment.VariationTypes"
	Path string `json:"path"`
	// RequiresRestart 表示运行中不会生效
	RequiresRestart bool `json:"requires_restart"`
}

// ProviderKey 是某个提供商下的一条凭证
type ProviderKey struct {
	Provider string
	Secret   string
}

// hotReloadableFields 运行中可生效的字段
var hotReloadableFields = map[string]bool{
	"Safety.MaxFailuresPerHour": true,
	"Safety.EmergencyThreshold": true,
	"Providers":                 true,
	"Log.Level":                 true,
}

// IsHotReloadable 判断字段是否可热重载
func IsHotReloadable(path string) bool {
	return hotReloadableFields[path]
}

// --- 热重载管理器选项 ---

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithReloadEnvPrefix 设置重载时使用的环境变量前缀
func WithReloadEnvPrefix(prefix string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.envPrefix = prefix
	}
}

// WithReloadPollInterval 设置配置文件轮询间隔
func WithReloadPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		m.pollInterval = d
	}
}

// NewHotReloadManager 创建热重载管理器
func NewHotReloadManager(cfg *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:       cfg,
		envPrefix:    "QAFORGE",
		pollInterval: time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	return m
}

// Start 启动文件监听
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	watcher, err := NewFileWatcher(
		[]string{m.configPath},
		WithWatcherLogger(m.logger),
		WithDebounceDelay(500*time.Millisecond),
		WithPollInterval(m.pollInterval),
	)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	watcher.OnChange(m.handleFileChange)

	wctx, cancel := context.WithCancel(ctx)
	if err := watcher.Start(wctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	m.watcher = watcher
	m.cancel = cancel
	m.running = true
	m.logger.Info("hot reload manager started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止热重载管理器
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.cancel()
	err := m.watcher.Stop()
	m.running = false
	m.logger.Info("hot reload manager stopped")
	return err
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	if event.Op == FileOpRemove {
		m.logger.Warn("config file removed, keeping current config", zap.String("path", event.Path))
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("failed to reload configuration", zap.Error(err))
	}
}

// ReloadFromFile 从文件重新加载配置，失败时保留当前配置
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	newConfig, err := NewLoader().WithConfigPath(m.configPath).WithEnvPrefix(m.envPrefix).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 应用新配置。回调在锁外执行。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	oldConfig := m.config
	changes := detectChanges(oldConfig, newConfig, source)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.config = newConfig
	m.version++
	m.changeLog = append(m.changeLog, changes...)
	callbacks := make([]ReloadCallback, len(m.reloadCallbacks))
	copy(callbacks, m.reloadCallbacks)
	version := m.version
	m.mu.Unlock()

	for _, c := range changes {
		if c.RequiresRestart {
			m.logger.Warn("config change requires restart", zap.String("path", c.Path))
		} else {
			m.logger.Info("config change applied", zap.String("path", c.Path))
		}
	}
	m.logger.Info("configuration reloaded", zap.Int("version", version), zap.Int("changes", len(changes)))

	for _, cb := range callbacks {
		m.invokeSafe(cb, oldConfig, newConfig, changes)
	}
	return nil
}

func (m *HotReloadManager) invokeSafe(cb ReloadCallback, oldConfig, newConfig *Config, changes []ConfigChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reload callback panicked", zap.Any("recover", r))
		}
	}()
	cb(oldConfig, newConfig, changes)
}

// detectChanges 比较两个配置的导出字段，嵌套结构体展开一层
func detectChanges(oldConfig, newConfig *Config, source string) []ConfigChange {
	var changes []ConfigChange
	now := time.Now()
	add := func(path string) {
		changes = append(changes, ConfigChange{
			Timestamp:       now,
			Source:          source,
			Path:            path,
			RequiresRestart: !IsHotReloadable(path),
		})
	}

	ov := reflect.ValueOf(oldConfig).Elem()
	nv := reflect.ValueOf(newConfig).Elem()
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		of, nf := ov.Field(i), nv.Field(i)
		if of.Kind() == reflect.Struct && of.Type() != reflect.TypeOf(time.Duration(0)) {
			st := of.Type()
			for j := 0; j < st.NumField(); j++ {
				if !reflect.DeepEqual(of.Field(j).Interface(), nf.Field(j).Interface()) {
					add(name + "." + st.Field(j).Name)
				}
			}
			continue
		}
		if !reflect.DeepEqual(of.Interface(), nf.Interface()) {
			add(name)
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// NewCredentials 返回 newConfig 中新增、oldConfig 中不存在的凭证
func NewCredentials(oldConfig, newConfig *Config) []ProviderKey {
	seen := make(map[ProviderKey]struct{})
	for _, p := range oldConfig.Providers {
		for _, k := range p.Credentials {
			seen[ProviderKey{Provider: p.Name, Secret: k}] = struct{}{}
		}
	}
	var added []ProviderKey
	for _, p := range newConfig.Providers {
		for _, k := range p.Credentials {
			pk := ProviderKey{Provider: p.Name, Secret: k}
			if _, ok := seen[pk]; !ok {
				seen[pk] = struct{}{}
				added = append(added, pk)
			}
		}
	}
	return added
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// GetConfig 返回当前配置
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetCurrentVersion 返回已应用的重载次数
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// GetChangeLog 返回最近 limit 条变更，limit<=0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.changeLog) > limit {
		start = len(m.changeLog) - limit
	}
	out := make([]ConfigChange, len(m.changeLog)-start)
	copy(out, m.changeLog[start:])
	return out
}
