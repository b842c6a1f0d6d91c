package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/BaSui01/qaforge/types"
)

// Sink 是追加写入的 JSONL 输出文件
type Sink struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	offset int64
}

// OpenSink 打开或创建输出文件，写入位置在文件末尾
func OpenSink(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek output: %w", err)
	}
	return &Sink{path: path, f: f, offset: offset}, nil
}

// Append 写入记录并 fsync，返回写入后的偏移
func (s *Sink) Append(records []types.OutputRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(records) == 0 {
		return s.offset, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return s.offset, fmt.Errorf("encode record %s: %w", r.ID, err)
		}
	}

	n, err := s.f.WriteAt(buf.Bytes(), s.offset)
	if err != nil {
		// 部分写入由下次 Truncate 或续跑时截断
		return s.offset, fmt.Errorf("write output: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return s.offset, fmt.Errorf("sync output: %w", err)
	}
	s.offset += int64(n)
	return s.offset, nil
}

// Truncate 截断到指定偏移，续跑时丢弃上次未记录到 checkpoint 的尾部
func (s *Sink) Truncate(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if offset > info.Size() {
		return types.NewError(types.ErrCheckpointCorruption,
			fmt.Sprintf("checkpoint offset %d beyond output size %d", offset, info.Size()))
	}
	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate output: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	s.offset = offset
	return nil
}

// Offset 当前写入位置
func (s *Sink) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Path 输出文件路径
func (s *Sink) Path() string { return s.path }

// Close 关闭文件
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
