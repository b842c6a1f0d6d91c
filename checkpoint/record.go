package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/qaforge/types"
)

// FormatVersion 信封格式版本
const FormatVersion = 1

// Record 是持久化的断点
type Record struct {
	Cursor       int       `json:"cursor"`
	CompletedIDs []string  `json:"completed_ids"`
	FailedIDs    []string  `json:"failed_ids"`
	OutputOffset int64     `json:"output_offset"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`

	// 由信封填充，不参与校验和
	Checksum string `json:"-"`
}

// envelope 包裹 payload 与其 sha256
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode 序列化为带校验和的信封
func Encode(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum := sha256.Sum256(payload)
	// 不能缩进：payload 的字节必须与校验和一致
	return json.Marshal(envelope{
		Version:  FormatVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  payload,
	})
}

// Decode 校验信封并还原 Record；任何不一致都返回 ErrCheckpointCorruption
func Decode(data []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corruption("envelope is not valid JSON", err)
	}
	if env.Version != FormatVersion {
		return nil, corruption(fmt.Sprintf("unsupported checkpoint version %d", env.Version), nil)
	}
	if len(env.Payload) == 0 {
		return nil, corruption("empty payload", nil)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, corruption("checksum mismatch", nil)
	}

	var rec Record
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return nil, corruption("payload is not a checkpoint record", err)
	}
	if rec.Cursor < 0 || rec.OutputOffset < 0 {
		return nil, corruption("negative cursor or offset", nil)
	}
	rec.Checksum = env.Checksum
	return &rec, nil
}

func corruption(msg string, cause error) error {
	e := types.NewError(types.ErrCheckpointCorruption, "checkpoint failed validation: "+msg)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// Clone 深拷贝
func (r *Record) Clone() *Record {
	if r == nil {
		return &Record{}
	}
	cp := *r
	cp.CompletedIDs = append([]string(nil), r.CompletedIDs...)
	cp.FailedIDs = append([]string(nil), r.FailedIDs...)
	return &cp
}
