package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store 断点存储接口
type Store interface {
	// Load 读取断点；不存在时返回零值 Record
	Load(ctx context.Context) (*Record, error)

	// RecordBatchComplete 记录一个已提交的批次。offset 是该批次写入后的输出偏移。
	RecordBatchComplete(ctx context.Context, index int, completed, failed []string, offset int64) error

	// Flush 立即持久化当前状态
	Flush(ctx context.Context) error

	// Reset 删除断点
	Reset(ctx context.Context) error
}

type batchReport struct {
	completed []string
	failed    []string
	offset    int64
}

// Checkpointer 在内存中维护游标并按频率写入 Backend
type Checkpointer struct {
	backend   Backend
	frequency int
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	loaded    bool
	rec       *Record
	completed map[string]struct{}
	failed    map[string]struct{}
	pending   map[int]batchReport
	unsaved   int
}

var _ Store = (*Checkpointer)(nil)

// Option 配置 Checkpointer
type Option func(*Checkpointer)

// WithFrequency 每 n 个连续批次写一次，默认 1
func WithFrequency(n int) Option {
	return func(c *Checkpointer) {
		if n > 0 {
			c.frequency = n
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checkpointer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(c *Checkpointer) {
		if now != nil {
			c.now = now
		}
	}
}

// New 基于任意 Backend 创建 Checkpointer
func New(backend Backend, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		backend:   backend,
		frequency: 1,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "checkpoint"), zap.String("backend", backend.String()))
	c.resetLocked()
	return c
}

// NewFileStore 文件断点
func NewFileStore(path string, opts ...Option) *Checkpointer {
	return New(&FileBackend{Path: path}, opts...)
}

// NewRedisStore Redis 断点
func NewRedisStore(client redis.UniversalClient, key string, opts ...Option) *Checkpointer {
	return New(&RedisBackend{Client: client, Key: key}, opts...)
}

func (c *Checkpointer) resetLocked() {
	c.rec = &Record{}
	c.completed = make(map[string]struct{})
	c.failed = make(map[string]struct{})
	c.pending = make(map[int]batchReport)
	c.unsaved = 0
}

// Load 读取并校验断点，之后的记录在此基础上累加
func (c *Checkpointer) Load(ctx context.Context) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return nil, err
	}
	return c.rec.Clone(), nil
}

func (c *Checkpointer) loadLocked(ctx context.Context) error {
	data, err := c.backend.Read(ctx)
	if err != nil {
		return err
	}
	c.resetLocked()
	if data != nil {
		rec, err := Decode(data)
		if err != nil {
			c.logger.Error("checkpoint rejected", zap.Error(err))
			return err
		}
		c.rec = rec
		for _, id := range rec.CompletedIDs {
			c.completed[id] = struct{}{}
		}
		for _, id := range rec.FailedIDs {
			c.failed[id] = struct{}{}
		}
		c.logger.Info("checkpoint loaded",
			zap.Int("cursor", rec.Cursor),
			zap.Int("completed", len(rec.CompletedIDs)),
			zap.Int("failed", len(rec.FailedIDs)),
			zap.Int64("output_offset", rec.OutputOffset),
		)
	}
	c.loaded = true
	return nil
}

// RecordBatchComplete 见 Store
func (c *Checkpointer) RecordBatchComplete(ctx context.Context, index int, completed, failed []string, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		if err := c.loadLocked(ctx); err != nil {
			return err
		}
	}

	if index < c.rec.Cursor {
		c.logger.Warn("batch already behind cursor, ignored",
			zap.Int("batch", index), zap.Int("cursor", c.rec.Cursor))
		return nil
	}
	if _, dup := c.pending[index]; dup {
		return fmt.Errorf("batch %d reported twice", index)
	}
	c.pending[index] = batchReport{
		completed: append([]string(nil), completed...),
		failed:    append([]string(nil), failed...),
		offset:    offset,
	}

	advanced := 0
	for {
		report, ok := c.pending[c.rec.Cursor]
		if !ok {
			break
		}
		delete(c.pending, c.rec.Cursor)
		c.applyLocked(report)
		c.rec.Cursor++
		advanced++
	}
	if advanced == 0 {
		c.logger.Debug("batch buffered until gap closes",
			zap.Int("batch", index), zap.Int("cursor", c.rec.Cursor))
		return nil
	}

	c.unsaved += advanced
	if c.unsaved >= c.frequency {
		return c.persistLocked(ctx)
	}
	return nil
}

func (c *Checkpointer) applyLocked(r batchReport) {
	for _, id := range r.completed {
		if _, ok := c.completed[id]; ok {
			continue
		}
		c.completed[id] = struct{}{}
		c.rec.CompletedIDs = append(c.rec.CompletedIDs, id)
		if _, wasFailed := c.failed[id]; wasFailed {
			delete(c.failed, id)
			c.rec.FailedIDs = removeID(c.rec.FailedIDs, id)
		}
	}
	for _, id := range r.failed {
		if _, done := c.completed[id]; done {
			continue
		}
		if _, ok := c.failed[id]; ok {
			continue
		}
		c.failed[id] = struct{}{}
		c.rec.FailedIDs = append(c.rec.FailedIDs, id)
	}
	if r.offset > c.rec.OutputOffset {
		c.rec.OutputOffset = r.offset
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// Flush 见 Store
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return nil
	}
	if len(c.pending) > 0 {
		c.logger.Warn("flushing with batches still buffered behind a gap",
			zap.Int("buffered", len(c.pending)), zap.Int("cursor", c.rec.Cursor))
	}
	return c.persistLocked(ctx)
}

func (c *Checkpointer) persistLocked(ctx context.Context) error {
	next := c.rec.Clone()
	next.Version++
	next.UpdatedAt = c.now().UTC()
	data, err := Encode(next)
	if err != nil {
		return err
	}
	if err := c.backend.Write(ctx, data); err != nil {
		c.logger.Error("checkpoint write failed", zap.Error(err))
		return err
	}
	c.rec.Version = next.Version
	c.rec.UpdatedAt = next.UpdatedAt
	c.unsaved = 0
	c.logger.Debug("checkpoint saved",
		zap.Int("cursor", c.rec.Cursor),
		zap.Int("version", c.rec.Version),
		zap.Int64("output_offset", c.rec.OutputOffset),
	)
	return nil
}

// Reset 见 Store
func (c *Checkpointer) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Remove(ctx); err != nil {
		return err
	}
	c.resetLocked()
	c.loaded = true
	c.logger.Info("checkpoint reset")
	return nil
}

// Cursor 当前内存中的游标
func (c *Checkpointer) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Cursor
}

// ResumePoint 续跑所需的信息
type ResumePoint struct {
	Cursor       int
	Completed    map[string]struct{}
	Failed       []string
	OutputOffset int64
}

// LoadResumePoint 读取断点并整理为续跑信息
func LoadResumePoint(ctx context.Context, store Store) (ResumePoint, error) {
	rec, err := store.Load(ctx)
	if err != nil {
		return ResumePoint{}, err
	}
	rp := ResumePoint{
		Cursor:       rec.Cursor,
		Completed:    make(map[string]struct{}, len(rec.CompletedIDs)),
		Failed:       rec.FailedIDs,
		OutputOffset: rec.OutputOffset,
	}
	for _, id := range rec.CompletedIDs {
		rp.Completed[id] = struct{}{}
	}
	return rp, nil
}
