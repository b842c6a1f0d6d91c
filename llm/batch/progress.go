package batch

import (
	"time"
)

// Summary 一次运行的结果
type Summary struct {
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	FailedIDs  []string      `json:"failed_ids,omitempty"`
	Skipped    int           `json:"skipped"`
	Cursor     int           `json:"cursor"`
	Batches    int           `json:"batches"`
	Requeued   int           `json:"requeued"`
	Stopped    bool          `json:"stopped"`
	StopReason string        `json:"stop_reason,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Complete 全部条目成功且未提前停止
func (s Summary) Complete() bool {
	return !s.Stopped && s.Failed == 0 && s.Succeeded+s.Skipped >= s.Total
}

// Progress 进度快照
type Progress struct {
	Done        int           `json:"done"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Batches     int           `json:"batches"`
	SuccessRate float64       `json:"success_rate"`
	Elapsed     time.Duration `json:"elapsed"`
	ETA         time.Duration `json:"eta"`
}

func newProgress(done, total, succeeded, failed, batches int, elapsed time.Duration) Progress {
	p := Progress{
		Done:      done,
		Total:     total,
		Succeeded: succeeded,
		Failed:    failed,
		Batches:   batches,
		Elapsed:   elapsed,
	}
	if done > 0 {
		p.SuccessRate = float64(succeeded) / float64(done)
		if remaining := total - done; remaining > 0 {
			p.ETA = time.Duration(float64(elapsed) / float64(done) * float64(remaining))
		}
	}
	return p
}

// Percent 完成百分比
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Done) * 100 / float64(p.Total)
}
