package session

import (
	"context"
	"strings"
	"sync"

	"OpenMCP-Chat/internal/llm"
)

// SnapshotStore 持久化会话记录，新会话从快照恢复。
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) ([]llm.Turn, error)
	Save(ctx context.Context, sessionID string, turns []llm.Turn) error
	Delete(ctx context.Context, sessionID string) error
}

// StreamMirror 镜像流式输出，供断线重连或旁路读者使用。
type StreamMirror interface {
	Begin(ctx context.Context, userID, sessionID string, metadata map[string]string) error
	Append(ctx context.Context, userID, sessionID, chunk string) error
	Finish(ctx context.Context, userID, sessionID, status, completion string) error
}

// 流镜像的最终状态。
const (
	StreamCompleted = "completed"
	StreamFailed    = "failed"
)

// MemorySnapshotStore 在内存中保存快照。
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]llm.Turn
}

// NewMemorySnapshotStore 创建内存快照存储。
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string][]llm.Turn)}
}

// Load 实现 SnapshotStore。
func (s *MemorySnapshotStore) Load(_ context.Context, sessionID string) ([]llm.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns, ok := s.snapshots[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]llm.Turn(nil), turns...), nil
}

// Save 实现 SnapshotStore。
func (s *MemorySnapshotStore) Save(_ context.Context, sessionID string, turns []llm.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sessionID] = append([]llm.Turn(nil), turns...)
	return nil
}

// Delete 实现 SnapshotStore。
func (s *MemorySnapshotStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sessionID)
	return nil
}

// MirroredStream 是内存镜像中的一次流。
type MirroredStream struct {
	Metadata   map[string]string
	Status     string
	Chunks     []string
	Completion string
}

// MemoryMirror 在内存中保存每个用户会话的最近一次流。
type MemoryMirror struct {
	mu      sync.Mutex
	streams map[string]*MirroredStream
}

// NewMemoryMirror 创建内存镜像。
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{streams: make(map[string]*MirroredStream)}
}

func mirrorKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Begin 实现 StreamMirror。
func (m *MemoryMirror) Begin(_ context.Context, userID, sessionID string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[mirrorKey(userID, sessionID)] = &MirroredStream{Metadata: metadata, Status: "streaming"}
	return nil
}

// Append 实现 StreamMirror。
func (m *MemoryMirror) Append(_ context.Context, userID, sessionID, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[mirrorKey(userID, sessionID)]; ok {
		s.Chunks = append(s.Chunks, chunk)
	}
	return nil
}

// Finish 实现 StreamMirror。
func (m *MemoryMirror) Finish(_ context.Context, userID, sessionID, status, completion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[mirrorKey(userID, sessionID)]; ok {
		s.Status = status
		s.Completion = completion
	}
	return nil
}

// Get 返回镜像副本。
func (m *MemoryMirror) Get(userID, sessionID string) (MirroredStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[mirrorKey(userID, sessionID)]
	if !ok {
		return MirroredStream{}, false
	}
	out := *s
	out.Chunks = append([]string(nil), s.Chunks...)
	return out, true
}

// Text 拼接镜像中的全部片段。
func (s MirroredStream) Text() string {
	return strings.Join(s.Chunks, "")
}
