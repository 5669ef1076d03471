package usage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 记录状态与对话循环的终态一致。
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Record 是一次对话结束后写入账本的用量记录。
type Record struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	UserID      string  `json:"user_id"`
	Provider    string  `json:"provider"`
	Status      string  `json:"status"`
	ErrorCode   string  `json:"error_code,omitempty"`
	Rounds      int     `json:"rounds"`
	ToolCalls   int     `json:"tool_calls"`
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	Cost        float64 `json:"cost"`
	DurationMS  int64   `json:"duration_ms"`
	CreatedAt   int64   `json:"created_at"`
}

// Filter 限定汇总范围，零值字段不参与过滤。
type Filter struct {
	UserID    string
	SessionID string
	Since     int64
	Until     int64
}

// Summary 聚合一段时间内的用量。
type Summary struct {
	Conversations int     `json:"conversations"`
	Failed        int     `json:"failed"`
	Rounds        int64   `json:"rounds"`
	ToolCalls     int64   `json:"tool_calls"`
	InputUnits    int64   `json:"input_units"`
	OutputUnits   int64   `json:"output_units"`
	TotalUnits    int64   `json:"total_units"`
	Cost          float64 `json:"cost"`
}

// Recorder 抽象用量账本。
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Summary(ctx context.Context, filter Filter) (Summary, error)
	Close() error
}

func normalize(rec *Record) {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	if rec.Status == "" {
		rec.Status = StatusDone
	}
}

func (f Filter) matches(rec Record) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Since > 0 && rec.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && rec.CreatedAt > f.Until {
		return false
	}
	return true
}
