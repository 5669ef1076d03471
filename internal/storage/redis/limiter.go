package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultInflightTTL = 5 * time.Minute

// Limiter 用 SETNX 保证同一用户同一时刻只有一个进行中的请求。
// 占位带 TTL，进程崩溃后会自动失效。
type Limiter struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewLimiter 创建限制器，ttl 不大于 0 时使用 5 分钟。
func NewLimiter(client redis.Cmdable, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = defaultInflightTTL
	}
	return &Limiter{client: client, ttl: ttl}
}

// Acquire 尝试占位，已被占用时返回 false。
func (l *Limiter) Acquire(ctx context.Context, userID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, InflightKey(userID), time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 占位失败: %w", err)
	}
	return ok, nil
}

// Release 释放占位。
func (l *Limiter) Release(ctx context.Context, userID string) error {
	if err := l.client.Del(ctx, InflightKey(userID)).Err(); err != nil {
		return fmt.Errorf("Redis 释放占位失败: %w", err)
	}
	return nil
}
