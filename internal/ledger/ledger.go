package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/llm/tokenizer"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// UsageRecord 一次请求的用量记录
type UsageRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RunID            string    `gorm:"size:64;index" json:"run_id"`
	ItemID           string    `gorm:"size:128;index" json:"item_id"`
	CredentialID     string    `gorm:"size:64;index" json:"credential_id"`
	Provider         string    `gorm:"size:64;index" json:"provider"`
	Model            string    `gorm:"size:128" json:"model"`
	Success          bool      `json:"success"`
	LatencyMS        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// TableName 表名
func (UsageRecord) TableName() string {
	return "qaforge_usage"
}

// Totals 汇总
type Totals struct {
	Requests         int64   `json:"requests"`
	Succeeded        int64   `json:"succeeded"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// CredentialTotals 按凭证汇总
type CredentialTotals struct {
	CredentialID string `json:"credential_id"`
	Provider     string `json:"provider"`
	Totals
}

// Ledger 用量账本
type Ledger struct {
	db     *gorm.DB
	price  float64
	runID  string
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]tokenizer.Counter
	wg       sync.WaitGroup
	closed   bool
}

// Option 配置 Ledger
type Option func(*Ledger)

// WithPrice 设置每 1K Token 的价格
func WithPrice(per1K float64) Option {
	return func(l *Ledger) { l.price = per1K }
}

// WithRunID 为记录打上运行标识
func WithRunID(id string) Option {
	return func(l *Ledger) { l.runID = id }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Dialector 按驱动名返回 gorm 方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = "qaforge_usage.db"
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s (supported: sqlite, postgres, mysql)", driver)
	}
}

// Open 按配置打开数据库并创建 Ledger
func Open(cfg config.LedgerConfig, opts ...Option) (*Ledger, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		// sqlite 只允许一个写连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, append([]Option{WithPrice(cfg.PricePer1KTokens)}, opts...)...)
}

// New 基于已打开的数据库创建 Ledger 并迁移表结构
func New(db *gorm.DB, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	l := &Ledger{
		db:       db,
		now:      time.Now,
		logger:   zap.NewNop(),
		counters: make(map[string]tokenizer.Counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "ledger"))

	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) counter(model string) tokenizer.Counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[model]
	if !ok {
		c = tokenizer.ForModel(model)
		l.counters[model] = c
	}
	return c
}

// Build 把 UsageEvent 转换为记录，提供方未返回 Token 数时用分词器估算
func (l *Ledger) Build(ev llm.UsageEvent) UsageRecord {
	prompt, completion := ev.PromptTokens, ev.CompletionTokens
	if prompt == 0 && ev.Prompt != "" {
		prompt = tokenizer.Count(l.counter(ev.Model), ev.Prompt)
	}
	if completion == 0 && ev.Completion != "" {
		completion = tokenizer.Count(l.counter(ev.Model), ev.Completion)
	}
	at := ev.At
	if at.IsZero() {
		at = l.now()
	}
	return UsageRecord{
		RunID:            l.runID,
		ItemID:           ev.ItemID,
		CredentialID:     ev.CredentialID,
		Provider:         ev.Provider,
		Model:            ev.Model,
		Success:          ev.Success,
		LatencyMS:        ev.Latency.Milliseconds(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		EstimatedCost:    float64(prompt+completion) / 1000 * l.price,
		CreatedAt:        at,
	}
}

// RecordUsage 实现 llm.UsageRecorder，异步写入
func (l *Ledger) RecordUsage(ev llm.UsageEvent) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	rec := l.Build(ev)
	// 异步写入数据库（带 panic 恢复）
	go func(rec UsageRecord) {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("panic in async usage record",
					zap.String("item_id", rec.ItemID),
					zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Record(ctx, &rec); err != nil {
			l.logger.Warn("failed to record usage",
				zap.String("item_id", rec.ItemID),
				zap.String("credential_id", rec.CredentialID),
				zap.Error(err))
		}
	}(rec)
}

// Record 同步写入一条记录
func (l *Ledger) Record(ctx context.Context, rec *UsageRecord) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Wait 等待所有异步写入完成
func (l *Ledger) Wait() {
	l.wg.Wait()
}

// Totals 返回全部记录的汇总，runID 非空时只统计该次运行
func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	q := l.db.WithContext(ctx).Model(&UsageRecord{})
	if l.runID != "" {
		q = q.Where("run_id = ?", l.runID)
	}
	err := q.Select(
		"COUNT(*) AS requests, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS succeeded, " +
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
			"COALESCE(SUM(estimated_cost), 0) AS estimated_cost",
	).Scan(&t).Error
	if err != nil {
		return Totals{}, fmt.Errorf("query usage totals: %w", err)
	}
	return t, nil
}

// ByCredential 按凭证汇总
func (l *Ledger) ByCredential(ctx context.Context) ([]CredentialTotals, error) {
	var out []CredentialTotals
	q := l.db.WithContext(ctx).Model(&UsageRecord{})
	if l.runID != "" {
		q = q.Where("run_id = ?", l.runID)
	}
	err := q.Select(
		"credential_id, provider, COUNT(*) AS requests, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS succeeded, " +
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
			"COALESCE(SUM(estimated_cost), 0) AS estimated_cost",
	).Group("credential_id, provider").Order("credential_id").Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query usage by credential: %w", err)
	}
	return out, nil
}

// Close 等待异步写入并关闭连接
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.wg.Wait()
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
