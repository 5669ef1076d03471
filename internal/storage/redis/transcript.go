package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Chat/internal/llm"
)

const defaultTranscriptTTL = 7 * 24 * time.Hour

// TranscriptStore 以 JSON 保存会话记录快照。
type TranscriptStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewTranscriptStore 创建快照存储，ttl 不大于 0 时保留 7 天。
func NewTranscriptStore(client redis.Cmdable, ttl time.Duration) *TranscriptStore {
	if ttl <= 0 {
		ttl = defaultTranscriptTTL
	}
	return &TranscriptStore{client: client, ttl: ttl}
}

// Load 读取快照，不存在时返回 nil。
func (s *TranscriptStore) Load(ctx context.Context, sessionID string) ([]llm.Turn, error) {
	raw, err := s.client.Get(ctx, TranscriptKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话快照失败: %w", err)
	}
	return decodeTurns(raw)
}

// Save 覆盖写入快照并刷新过期时间。
func (s *TranscriptStore) Save(ctx context.Context, sessionID string, turns []llm.Turn) error {
	raw, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, TranscriptKey(sessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("写入会话快照失败: %w", err)
	}
	return nil
}

// Delete 删除快照。
func (s *TranscriptStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, TranscriptKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("删除会话快照失败: %w", err)
	}
	return nil
}

func encodeTurns(turns []llm.Turn) ([]byte, error) {
	if turns == nil {
		turns = []llm.Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("编码会话快照失败: %w", err)
	}
	return raw, nil
}

func decodeTurns(raw []byte) ([]llm.Turn, error) {
	var turns []llm.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("解析会话快照失败: %w", err)
	}
	return turns, nil
}
