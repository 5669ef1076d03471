package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewClient 创建客户端并确认连接可用。
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 100
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: pool,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// TranscriptKey 返回会话快照的键。
func TranscriptKey(sessionID string) string {
	return "chat:transcript:" + sessionID
}

// StreamKey 返回流镜像元信息的哈希键。
func StreamKey(userID, sessionID string) string {
	return fmt.Sprintf("stream:%s:%s", userID, sessionID)
}

// ChunksKey 返回流镜像文本片段的列表键。
func ChunksKey(userID, sessionID string) string {
	return StreamKey(userID, sessionID) + ":chunks"
}

// InflightKey 返回用户并发占位的键。
func InflightKey(userID string) string {
	return "chat:inflight:" + userID
}
