package session

import (
	"context"
	"sync"
)

// Limiter 控制每个用户同时进行中的请求数，目前固定为 1。
type Limiter interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// MemoryLimiter 是单进程内的实现。
type MemoryLimiter struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewMemoryLimiter 创建内存限制器。
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{inflight: make(map[string]struct{})}
}

// Acquire 实现 Limiter。
func (l *MemoryLimiter) Acquire(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inflight[userID]; ok {
		return false, nil
	}
	l.inflight[userID] = struct{}{}
	return true, nil
}

// Release 实现 Limiter。
func (l *MemoryLimiter) Release(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, userID)
	return nil
}
