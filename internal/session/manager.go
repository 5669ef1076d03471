package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Chat/internal/conversation"
	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/llm"
	"OpenMCP-Chat/internal/observability/alerting"
	"OpenMCP-Chat/internal/usage"
	"OpenMCP-Chat/pkg/logger"
)

// DefaultUserID 是未携带用户标识时使用的用户。
const DefaultUserID = "anonymous"

const defaultStoreTimeout = 5 * time.Second

// Factory 为会话创建对话循环。Manager 会追加历史、观察者与日志选项，调用方的选项在前。
type Factory func(sessionID string, opts ...conversation.Option) *conversation.Loop

// Request 是一次用户提交。
type Request struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Reply 是阻塞调用的结果。
type Reply struct {
	SessionID string `json:"session_id"`
	conversation.Result
}

// Info 描述一个活跃会话。
type Info struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	State      string             `json:"state"`
	Busy       bool               `json:"busy"`
	Turns      int                `json:"turns"`
	Usage      conversation.Usage `json:"usage"`
	CreatedAt  time.Time          `json:"created_at"`
	LastActive time.Time          `json:"last_active"`
}

type entry struct {
	id         string
	userID     string
	loop       *conversation.Loop
	createdAt  time.Time
	lastActive time.Time
}

type inflight struct {
	sessionID string
	cancel    context.CancelFunc
}

// Manager 按会话 ID 持有对话循环，并负责并发准入、快照、流镜像与用量记账。
type Manager struct {
	factory      Factory
	limiter      Limiter
	snapshots    SnapshotStore
	mirror       StreamMirror
	recorder     usage.Recorder
	alerts       alerting.Dispatcher
	observer     conversation.Observer
	logger       *slog.Logger
	storeTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	running  map[string]*inflight
}

// Option 定义可选配置。
type Option func(*Manager)

// WithLimiter 替换并发限制器。
func WithLimiter(l Limiter) Option {
	return func(m *Manager) {
		if l != nil {
			m.limiter = l
		}
	}
}

// WithSnapshotStore 启用会话快照。
func WithSnapshotStore(s SnapshotStore) Option {
	return func(m *Manager) { m.snapshots = s }
}

// WithStreamMirror 启用流镜像。
func WithStreamMirror(mirror StreamMirror) Option {
	return func(m *Manager) { m.mirror = mirror }
}

// WithRecorder 启用用量记账。
func WithRecorder(r usage.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithAlertDispatcher 启用对话失败告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithObserver 转发对话循环的可观测事件，通常是指标采集器。
func WithObserver(o conversation.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger 替换日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 创建会话管理器。
func NewManager(factory Factory, opts ...Option) *Manager {
	m := &Manager{
		factory:      factory,
		limiter:      NewMemoryLimiter(),
		logger:       logger.Named("session"),
		storeTimeout: defaultStoreTimeout,
		sessions:     make(map[string]*entry),
		running:      make(map[string]*inflight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Stream 是一次流式对话。调用方读取 Events 直到关闭；提前离开时调用 Close 取消对话。
type Stream struct {
	SessionID string
	Events    <-chan conversation.Event

	once     sync.Once
	released chan struct{}
	cancel   context.CancelFunc
}

// Close 取消对话并停止投递剩余事件，可重复调用。
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.released)
		s.cancel()
	})
}

// Chat 提交消息并等待完整回答。
func (m *Manager) Chat(ctx context.Context, req Request) (*Reply, error) {
	s, err := m.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var (
		result  *conversation.Result
		failure error
	)
	for ev := range s.Events {
		switch ev.Type {
		case conversation.EventCompleted:
			result = ev.Result
		case conversation.EventError:
			failure = ev.Err
		}
	}
	if failure != nil {
		return nil, failure
	}
	if result == nil {
		return nil, xerrors.New(xerrors.CodeUnknown, "conversation ended without a result")
	}
	return &Reply{SessionID: s.SessionID, Result: *result}, nil
}

// Stream 提交消息并返回事件流。同一用户已有进行中的对话时返回 ErrSessionBusy。
func (m *Manager) Stream(ctx context.Context, req Request) (*Stream, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	ok, err := m.limiter.Acquire(ctx, req.UserID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "检查用户并发占位失败")
	}
	if !ok {
		return nil, ErrSessionBusy
	}

	e, err := m.session(ctx, req)
	if err != nil {
		m.releaseLimiter(req.UserID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &inflight{sessionID: e.id, cancel: cancel}
	m.mu.Lock()
	m.running[req.UserID] = run
	e.lastActive = time.Now()
	m.mu.Unlock()

	m.mirrorBegin(e, req)
	in := e.loop.Submit(runCtx, req.Message)
	out := make(chan conversation.Event, 16)
	s := &Stream{SessionID: e.id, Events: out, released: make(chan struct{}), cancel: cancel}
	go m.forward(e, req.UserID, run, in, out, s.released)
	return s, nil
}

func normalizeRequest(req Request) (Request, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "message must not be empty")
	}
	return req, nil
}

// session 返回已有会话，或从快照恢复一个新会话。
func (m *Manager) session(ctx context.Context, req Request) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[req.SessionID]
	m.mu.Unlock()
	if ok {
		if e.userID != req.UserID {
			return nil, ErrSessionForbidden
		}
		return e, nil
	}

	log := logger.WithConversation(m.logger, req.SessionID, req.UserID)
	var history []llm.Turn
	if m.snapshots != nil {
		turns, err := m.snapshots.Load(ctx, req.SessionID)
		if err != nil {
			log.Warn("加载会话快照失败，以空记录开始", slog.Any("error", err))
		} else if len(turns) > 0 {
			history = turns
			log.Info("已从快照恢复会话", slog.Int("turns", len(turns)))
		}
	}

	now := time.Now()
	e = &entry{id: req.SessionID, userID: req.UserID, createdAt: now, lastActive: now}
	e.loop = m.factory(req.SessionID,
		conversation.WithHistory(history),
		conversation.WithObserver(&sessionObserver{m: m, sessionID: e.id, userID: e.userID}),
		conversation.WithLogger(logger.WithConversation(logger.Named("conversation"), e.id, e.userID)),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[req.SessionID]; ok {
		if existing.userID != req.UserID {
			return nil, ErrSessionForbidden
		}
		return existing, nil
	}
	m.sessions[req.SessionID] = e
	return e, nil
}

func (m *Manager) forward(e *entry, userID string, run *inflight, in <-chan conversation.Event, out chan<- conversation.Event, released <-chan struct{}) {
	defer close(out)
	var partial strings.Builder
	for ev := range in {
		switch ev.Type {
		case conversation.EventTextDelta:
			partial.WriteString(ev.Text)
			m.mirrorAppend(e, userID, ev.Text)
		case conversation.EventRetry:
			kept := strings.TrimSuffix(partial.String(), ev.Retry.Discarded)
			partial.Reset()
			partial.WriteString(kept)
		case conversation.EventCompleted:
			m.settle(e, userID, run, StreamCompleted, ev.Result.Text)
		case conversation.EventError:
			m.settle(e, userID, run, StreamFailed, partial.String())
		}
		select {
		case out <- ev:
		case <-released:
		}
	}
}

// settle 在终止事件送达调用方之前完成收尾，调用方收到终止事件后即可再次提交。
func (m *Manager) settle(e *entry, userID string, run *inflight, status, completion string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	log := logger.WithConversation(m.logger, e.id, userID)

	if m.mirror != nil {
		if err := m.mirror.Finish(ctx, userID, e.id, status, completion); err != nil {
			log.Warn("结束流镜像失败", slog.Any("error", err))
		}
	}
	if m.snapshots != nil {
		if err := m.snapshots.Save(ctx, e.id, e.loop.Transcript()); err != nil {
			log.Warn("保存会话快照失败", slog.Any("error", err))
		}
	}

	m.mu.Lock()
	e.lastActive = time.Now()
	if m.running[userID] == run {
		delete(m.running, userID)
	}
	m.mu.Unlock()
	m.releaseLimiter(userID)
}

func (m *Manager) releaseLimiter(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	if err := m.limiter.Release(ctx, userID); err != nil {
		m.logger.Warn("释放用户并发占位失败", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (m *Manager) mirrorBegin(e *entry, req Request) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	meta := map[string]string{
		"session_id": e.id,
		"user_id":    req.UserID,
		"message":    req.Message,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.mirror.Begin(ctx, req.UserID, e.id, meta); err != nil {
		logger.WithConversation(m.logger, e.id, req.UserID).Warn("初始化流镜像失败", slog.Any("error", err))
	}
}

func (m *Manager) mirrorAppend(e *entry, userID, chunk string) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	if err := m.mirror.Append(ctx, userID, e.id, chunk); err != nil {
		logger.WithConversation(m.logger, e.id, userID).Warn("写入流镜像失败", slog.Any("error", err))
	}
}

// Stop 取消用户进行中的对话，没有进行中的对话时返回 false。
func (m *Manager) Stop(userID string) bool {
	if strings.TrimSpace(userID) == "" {
		userID = DefaultUserID
	}
	m.mu.Lock()
	run, ok := m.running[userID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	logger.WithConversation(m.logger, run.sessionID, userID).Info("用户取消对话")
	return true
}

// Reset 清空会话记录、用量与快照。
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		if err := e.loop.Reset(); err != nil {
			return ErrSessionBusy
		}
	}
	if m.snapshots != nil {
		if err := m.snapshots.Delete(ctx, sessionID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话快照失败")
		}
		return nil
	}
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "session not found")
	}
	return nil
}

// Transcript 返回会话记录。会话不在内存中时读取快照。
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]llm.Turn, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return e.loop.Transcript(), nil
	}
	if m.snapshots != nil {
		turns, err := m.snapshots.Load(ctx, sessionID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话快照失败")
		}
		if turns != nil {
			return turns, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "session not found")
}

// Sweep 淘汰空闲超过 maxIdle 的会话，返回淘汰数量。快照不受影响。
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, e := range m.sessions {
		if e.loop.Busy() || e.lastActive.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		evicted++
	}
	if evicted > 0 {
		m.logger.Info("已淘汰空闲会话", slog.Int("evicted", evicted), slog.Int("remaining", len(m.sessions)))
	}
	return evicted
}

// RunSweeper 按 interval 周期淘汰空闲会话，直到 ctx 结束。
func (m *Manager) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(maxIdle)
		}
	}
}

// Active 返回内存中的会话，最近活跃的在前。
func (m *Manager) Active() []Info {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	times := make(map[*entry][2]time.Time, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
		times[e] = [2]time.Time{e.createdAt, e.lastActive}
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, Info{
			ID:         e.id,
			UserID:     e.userID,
			State:      e.loop.State().String(),
			Busy:       e.loop.Busy(),
			Turns:      len(e.loop.Transcript()),
			Usage:      e.loop.Usage(),
			CreatedAt:  times[e][0],
			LastActive: times[e][1],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}
