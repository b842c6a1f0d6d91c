package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend 读写序列化后的信封。Read 在没有断点时返回 (nil, nil)。
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Remove(ctx context.Context) error
	String() string
}

// ====== 文件实现 ======

// FileBackend 原子写文件：写临时文件、fsync、rename、fsync 目录
type FileBackend struct {
	Path string
}

// Read 读取断点文件
func (b *FileBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// Write 原子替换断点文件
func (b *FileBackend) Write(ctx context.Context, data []byte) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tempPath := b.Path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, b.Path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return syncDir(dir)
}

// syncDir 让 rename 本身落盘
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}

// Remove 删除断点文件及残留的临时文件
func (b *FileBackend) Remove(ctx context.Context) error {
	var errs []error
	for _, p := range []string{b.Path, b.Path + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *FileBackend) String() string { return "file:" + b.Path }

// ====== Redis 实现 ======

// historySize 保留的历史信封数量
const historySize = 10

// RedisBackend 把信封存到 key，并在同一事务里推入 key:history
type RedisBackend struct {
	Client redis.UniversalClient
	Key    string
}

// Read 读取最新信封
func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.Client.Get(ctx, b.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint: %w", err)
	}
	return data, nil
}

// Write 在 MULTI/EXEC 中写入最新信封与历史
func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	_, err := b.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.Key, data, 0)
		pipe.Set(ctx, b.Key+":updated_at", time.Now().UTC().Format(time.RFC3339Nano), 0)
		pipe.LPush(ctx, b.historyKey(), data)
		pipe.LTrim(ctx, b.historyKey(), 0, historySize-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write checkpoint: %w", err)
	}
	return nil
}

// History 返回最近的信封，最新的在前
func (b *RedisBackend) History(ctx context.Context) ([][]byte, error) {
	vals, err := b.Client.LRange(ctx, b.historyKey(), 0, historySize-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis checkpoint history: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Remove 删除断点与历史
func (b *RedisBackend) Remove(ctx context.Context) error {
	if err := b.Client.Del(ctx, b.Key, b.Key+":updated_at", b.historyKey()).Err(); err != nil {
		return fmt.Errorf("redis delete checkpoint: %w", err)
	}
	return nil
}

func (b *RedisBackend) historyKey() string { return b.Key + ":history" }

func (b *RedisBackend) String() string { return "redis:" + b.Key }
