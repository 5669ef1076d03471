package task

import (
	"context"

	xerrors "OpenMCP-Chat/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
//
// MarkFailed 的 terminal 为 false 时任务回到 pending 等待重投，为 true 时停在 failed。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// TaskStats 按状态汇总聊天任务，供 /api/v1/stats 与任务列表使用。
// Retried 统计至少经历过一次重投的任务。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Retried         int   `json:"retried"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func failedStatus(terminal bool) Status {
	if terminal {
		return StatusFailed
	}
	return StatusPending
}
