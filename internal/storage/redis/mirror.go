package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamTTL = time.Hour
	maxMirrorChunks  = 1000
	statusStreaming  = "streaming"
)

// StreamMirror 把流式输出同步到 Redis，供其他读者跟随。
// 元信息保存在哈希中，文本片段以 LPUSH 写入并只保留最近 1000 条。
type StreamMirror struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStreamMirror 创建流镜像，ttl 不大于 0 时为 1 小时。
func NewStreamMirror(client redis.Cmdable, ttl time.Duration) *StreamMirror {
	if ttl <= 0 {
		ttl = defaultStreamTTL
	}
	return &StreamMirror{client: client, ttl: ttl}
}

// Begin 初始化一次流，并清除上一次遗留的片段。
func (m *StreamMirror) Begin(ctx context.Context, userID, sessionID string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("编码流元信息失败: %w", err)
	}
	key, chunks := StreamKey(userID, sessionID), ChunksKey(userID, sessionID)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, chunks)
		pipe.HSet(ctx, key, "metadata", string(meta), "status", statusStreaming, "completion", "")
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("初始化流镜像失败: %w", err)
	}
	return nil
}

// Append 追加一个文本片段。
func (m *StreamMirror) Append(ctx context.Context, userID, sessionID, chunk string) error {
	chunks := ChunksKey(userID, sessionID)
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, chunks, chunk)
		pipe.LTrim(ctx, chunks, 0, maxMirrorChunks-1)
		pipe.Expire(ctx, chunks, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入流片段失败: %w", err)
	}
	return nil
}

// Finish 写入最终状态与完整回答。
func (m *StreamMirror) Finish(ctx context.Context, userID, sessionID, status, completion string) error {
	key := StreamKey(userID, sessionID)
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", status, "completion", completion)
		pipe.Expire(ctx, key, m.ttl)
		pipe.Expire(ctx, ChunksKey(userID, sessionID), m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("结束流镜像失败: %w", err)
	}
	return nil
}

// Chunks 按写入顺序返回保留的片段。
func (m *StreamMirror) Chunks(ctx context.Context, userID, sessionID string) ([]string, error) {
	values, err := m.client.LRange(ctx, ChunksKey(userID, sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取流片段失败: %w", err)
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}
