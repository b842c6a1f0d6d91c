package redisconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager 持有 Redis 客户端并周期性检查连通性
type Manager struct {
	client *redis.Client
	addr   string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option 配置 Manager
type Option func(*options)

type options struct {
	healthInterval time.Duration
	dialTimeout    time.Duration
	logger         *zap.Logger
}

// WithHealthCheckInterval 设置健康检查间隔，0 表示关闭
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

// WithDialTimeout 设置首次 Ping 超时
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open 连接 Redis 并验证可用
func Open(ctx context.Context, cfg config.RedisConfig, opts ...Option) (*Manager, error) {
	o := options{
		healthInterval: 30 * time.Second,
		dialTimeout:    5 * time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: 3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	m := &Manager{
		client: client,
		addr:   cfg.Addr,
		logger: o.logger.With(zap.String("component", "redis")),
		done:   make(chan struct{}),
	}
	if o.healthInterval > 0 {
		go m.healthCheckLoop(o.healthInterval)
	}
	m.logger.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return m, nil
}

// Client 返回底层客户端
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Ping 检查连通性
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("redis connection is closed")
	}
	return m.client.Ping(ctx).Err()
}

// Close 停止健康检查并关闭客户端
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.logger.Info("closing redis connection")
	return m.client.Close()
}

func (m *Manager) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("redis health check failed", zap.String("addr", m.addr), zap.Error(err))
		} else {
			m.logger.Debug("redis health check passed")
		}
		cancel()
	}
}
