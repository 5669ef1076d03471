package llm

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
)

// DefaultChunkTimeout 是流式响应中等待下一个事件的默认上限。
const DefaultChunkTimeout = 30 * time.Second

// Frame 是一条 SSE 消息。
type Frame struct {
	Event string
	Data  string
}

// Decoder 把供应商的 SSE 消息转换为归一化事件，每个供应商各自实现。
type Decoder interface {
	Decode(frame Frame) ([]Event, error)
}

type batch struct {
	events []Event
	err    error
}

// SSEStream 从 HTTP 响应体读取 SSE 并经 Decoder 归一化。
type SSEStream struct {
	provider string
	body     io.ReadCloser
	timeout  time.Duration

	batches   chan batch
	done      chan struct{}
	closeOnce sync.Once

	pending  []Event
	finished bool
}

// NewSSEStream 启动读取协程。timeout 为 0 时使用默认值。
func NewSSEStream(provider string, body io.ReadCloser, decoder Decoder, timeout time.Duration) *SSEStream {
	if timeout <= 0 {
		timeout = DefaultChunkTimeout
	}
	s := &SSEStream{
		provider: provider,
		body:     body,
		timeout:  timeout,
		batches:  make(chan batch),
		done:     make(chan struct{}),
	}
	go s.read(decoder)
	return s
}

func (s *SSEStream) read(decoder Decoder) {
	defer close(s.batches)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		event string
		data  []string
	)
	dispatch := func() bool {
		if len(data) == 0 {
			event = ""
			return true
		}
		frame := Frame{Event: event, Data: strings.Join(data, "\n")}
		event, data = "", data[:0]
		events, err := decoder.Decode(frame)
		if err == nil && len(events) == 0 {
			return true
		}
		select {
		case s.batches <- batch{events: events, err: err}:
			return err == nil
		case <-s.done:
			return false
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			if !dispatch() {
				return
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if !dispatch() {
		return
	}
	if err := scanner.Err(); err != nil {
		select {
		case s.batches <- batch{err: err}:
		case <-s.done:
		}
	}
}

// Recv 返回下一个事件。等待超过单块超时时关闭响应体并返回 STREAM_TIMEOUT。
func (s *SSEStream) Recv(ctx context.Context) (Event, error) {
	if ev, ok := s.pop(); ok {
		return ev, nil
	}
	if s.finished {
		return Event{}, io.EOF
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return Event{}, Canceled(ctx.Err())
		case <-timer.C:
			_ = s.Close()
			return Event{}, StreamTimeout(s.provider, s.timeout)
		case b, ok := <-s.batches:
			if !ok {
				s.finished = true
				return Event{}, Incomplete(s.provider, nil)
			}
			if b.err != nil {
				s.finished = true
				_ = s.Close()
				if _, typed := xerrors.From(b.err); typed {
					return Event{}, b.err
				}
				return Event{}, Incomplete(s.provider, b.err)
			}
			s.pending = append(s.pending, b.events...)
			if ev, ok := s.pop(); ok {
				return ev, nil
			}
		}
	}
}

func (s *SSEStream) pop() (Event, bool) {
	if len(s.pending) == 0 {
		return Event{}, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	if ev.Kind == EventCompleted {
		s.finished = true
		s.pending = nil
		_ = s.Close()
	}
	return ev, true
}

// Close 关闭响应体并结束读取协程。
func (s *SSEStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.body.Close()
	})
	return err
}

// SliceStream 把已经完整的事件列表作为流返回，用于非流式响应。
type SliceStream struct {
	events []Event
	pos    int
}

// NewSliceStream 构造切片流。
func NewSliceStream(events ...Event) *SliceStream {
	return &SliceStream{events: events}
}

// Recv 依次返回事件，结束后返回 io.EOF。
func (s *SliceStream) Recv(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, Canceled(err)
	}
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// Close 对切片流无操作。
func (s *SliceStream) Close() error { return nil }

// Decompose 把一次完整响应拆解为与流式相同的事件序列。
func Decompose(text string, calls []ToolCall, input, output int64) []Event {
	events := make([]Event, 0, len(calls)*2+3)
	if text != "" {
		events = append(events, TextDelta(text))
	}
	for _, call := range calls {
		events = append(events, ToolCallStart(call.ID, call.Name))
		events = append(events, ToolCallDone(call.ID, call.Name, call.Arguments))
	}
	if input > 0 || output > 0 {
		events = append(events, UsageEvent(input, output))
	}
	return append(events, Completed())
}

// Collect 读取流直到 completed，返回全部事件。
func Collect(ctx context.Context, stream Stream) ([]Event, error) {
	defer stream.Close()
	var events []Event
	for {
		ev, err := stream.Recv(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		if ev.Kind == EventCompleted {
			return events, nil
		}
	}
}
