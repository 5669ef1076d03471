package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/llm"
	"OpenMCP-Chat/internal/tools"
	"OpenMCP-Chat/pkg/logger"
)

// ErrBusy 表示同一个对话循环上已有进行中的请求。
var ErrBusy = xerrors.New(xerrors.CodeConflict, "conversation already in progress")

// Invoker 是对话循环所需的工具能力。
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
	Tools() []tools.Descriptor
}

// Loop 驱动一段对话：调用模型、转发文本、执行工具并把结果写回记录，直到得到最终回答。
// 同一个 Loop 同一时刻只服务一个调用方。
type Loop struct {
	provider llm.Provider
	invoker  Invoker

	maxRounds    int
	turnAttempts int
	retryDelay   time.Duration
	dispatch     DispatchPolicy
	concurrency  int
	system       string
	format       *llm.ResponseFormat
	window       llm.Window

	transcript atomic.Pointer[llm.Transcript]
	usage      *UsageCounter
	observer   Observer
	logger     *slog.Logger

	busy  atomic.Bool
	mu    sync.RWMutex
	state State
}

// New 创建对话循环。invoker 为 nil 时模型看不到任何工具。
func New(provider llm.Provider, invoker Invoker, opts ...Option) *Loop {
	l := &Loop{
		provider:     provider,
		invoker:      invoker,
		maxRounds:    defaultMaxRounds,
		turnAttempts: defaultTurnAttempts,
		retryDelay:   defaultRetryDelay,
		dispatch:     DispatchAll,
		concurrency:  1,
		usage:        NewUsageCounter(DefaultPrices()),
		observer:     nopObserver{},
		logger:       logger.Named("conversation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.transcript.Load() == nil {
		l.transcript.Store(llm.NewTranscript())
	}
	return l
}

// Submit 提交一条用户消息并返回事件通道。通道在 completed 或 error 之后关闭，调用方需要读到通道关闭为止。
func (l *Loop) Submit(ctx context.Context, text string) <-chan Event {
	out := make(chan Event, 16)
	if !l.busy.CompareAndSwap(false, true) {
		out <- Event{Type: EventError, Err: ErrBusy}
		close(out)
		return out
	}
	go func() {
		defer close(out)
		l.run(ctx, text, out)
	}()
	return out
}

// Complete 阻塞直到得到完整回答；失败时只返回错误，不返回部分文本。
func (l *Loop) Complete(ctx context.Context, text string) (*Result, error) {
	var (
		result *Result
		err    error
	)
	for ev := range l.Submit(ctx, text) {
		switch ev.Type {
		case EventCompleted:
			result = ev.Result
		case EventError:
			err = ev.Err
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, xerrors.New(xerrors.CodeUnknown, "conversation ended without a result")
	}
	return result, nil
}

// Transcript 返回对话记录的副本。
func (l *Loop) Transcript() []llm.Turn {
	return l.transcript.Load().Turns()
}

// Usage 返回累计用量。
func (l *Loop) Usage() Usage {
	return l.usage.Snapshot()
}

// State 返回当前状态。
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Busy 报告是否有进行中的请求。
func (l *Loop) Busy() bool {
	return l.busy.Load()
}

// Reset 清空对话记录与用量。
func (l *Loop) Reset() error {
	if !l.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer l.busy.Store(false)
	l.transcript.Store(llm.NewTranscript())
	l.usage.Reset()
	l.setState(StateAwaitingUserInput)
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

type turnState struct {
	out       chan<- Event
	start     time.Time
	baseline  Usage
	rounds    int
	toolCalls int
}

type response struct {
	text  string
	calls []llm.ToolCall
}

func (l *Loop) run(ctx context.Context, text string, out chan<- Event) {
	r := &turnState{out: out, start: time.Now(), baseline: l.usage.Snapshot()}
	if strings.TrimSpace(text) == "" {
		l.fail(r, xerrors.New(xerrors.CodeInvalidArgument, "message must not be empty"))
		return
	}

	l.transcript.Load().Append(llm.UserTurn(text))
	for {
		if r.rounds >= l.maxRounds {
			l.fail(r, xerrors.New(xerrors.CodeMaxRoundsExceeded,
				fmt.Sprintf("model requested tools for %d consecutive rounds", r.rounds)))
			return
		}
		r.rounds++
		l.setState(StateInvokingProvider)

		resp, err := l.invokeWithRetry(ctx, r)
		if err != nil {
			l.fail(r, err)
			return
		}

		if len(resp.calls) == 0 {
			l.transcript.Load().Append(llm.AssistantTurn(resp.text, nil))
			l.finish(r, resp.text)
			return
		}

		calls := resp.calls
		if l.dispatch == DispatchFirst && len(calls) > 1 {
			for _, skipped := range calls[1:] {
				l.logger.Warn("按策略跳过工具调用", slog.String("tool", skipped.Name), slog.String("call_id", skipped.ID))
				l.emit(ctx, r, Event{Type: EventTool, Tool: &ToolEvent{
					CallID: skipped.ID, Name: skipped.Name, Phase: ToolFailed, Error: "skipped by dispatch policy",
				}})
			}
			calls = calls[:1]
		}
		l.transcript.Load().Append(llm.AssistantTurn(resp.text, calls))

		l.setState(StateDispatchingTool)
		l.dispatchTools(ctx, r, calls)
		if err := ctx.Err(); err != nil {
			l.fail(r, llm.Canceled(err))
			return
		}
	}
}

func (l *Loop) invokeWithRetry(ctx context.Context, r *turnState) (*response, error) {
	var lastErr error
	for attempt := 1; attempt <= l.turnAttempts; attempt++ {
		resp, partial, err := l.invokeOnce(ctx, r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, llm.Canceled(ctx.Err())
		}
		if !retryable(err) || attempt == l.turnAttempts {
			break
		}
		code := xerrors.CodeOf(err)
		l.observer.ProviderRetried(l.provider.Name(), code)
		l.logger.Warn("模型调用失败，准备整轮重试",
			slog.String("provider", l.provider.Name()),
			slog.String("code", string(code)),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		l.emit(ctx, r, Event{Type: EventRetry, Retry: &RetryEvent{Attempt: attempt, Code: string(code), Discarded: partial}})
		if err := sleep(ctx, l.retryDelay*time.Duration(attempt)); err != nil {
			return nil, llm.Canceled(err)
		}
	}
	return nil, lastErr
}

// retryable 判断模型调用失败是否值得整轮重试。
func retryable(err error) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeStreamTimeout:
		return true
	case xerrors.CodeProviderError:
		return xerrors.RetryableError(err)
	default:
		return false
	}
}

// invokeOnce 执行一次模型调用，失败时同时返回已推送给调用方的部分文本。
func (l *Loop) invokeOnce(ctx context.Context, r *turnState) (*response, string, error) {
	req := llm.Request{
		System:         l.system,
		Turns:          l.window.Apply(l.system, l.transcript.Load().Turns()),
		Tools:          l.toolSpecs(),
		ResponseFormat: l.format,
	}
	stream, err := l.provider.Open(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer stream.Close()

	var (
		text  strings.Builder
		calls []llm.ToolCall
	)
	for {
		ev, err := stream.Recv(ctx)
		if err == io.EOF {
			return nil, text.String(), llm.Incomplete(l.provider.Name(), nil)
		}
		if err != nil {
			return nil, text.String(), err
		}
		switch ev.Kind {
		case llm.EventTextDelta:
			l.setState(StateEmittingText)
			text.WriteString(ev.Text)
			l.emit(ctx, r, Event{Type: EventTextDelta, Text: ev.Text})
		case llm.EventToolCallStart:
			l.emit(ctx, r, Event{Type: EventTool, Tool: &ToolEvent{CallID: ev.CallID, Name: ev.ToolName, Phase: ToolStarted}})
		case llm.EventToolCallDone:
			id := ev.CallID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(calls))
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: ev.ToolName, Arguments: ev.Arguments})
		case llm.EventUsage:
			l.usage.Add(ev.Input, ev.Output)
			snapshot := l.usage.Snapshot()
			l.emit(ctx, r, Event{Type: EventUsage, Usage: &snapshot})
		case llm.EventCompleted:
			return &response{text: text.String(), calls: calls}, "", nil
		}
	}
}

func (l *Loop) toolSpecs() []llm.ToolSpec {
	if l.invoker == nil {
		return nil
	}
	descs := l.invoker.Tools()
	specs := make([]llm.ToolSpec, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return specs
}

type toolOutcome struct {
	result   string
	err      error
	duration time.Duration
}

// dispatchTools 执行工具调用，结果按调用顺序写入记录。工具失败不会中断对话。
func (l *Loop) dispatchTools(ctx context.Context, r *turnState, calls []llm.ToolCall) {
	outcomes := make([]toolOutcome, len(calls))
	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = l.invokeTool(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		o := outcomes[i]
		r.toolCalls++
		l.observer.ToolCalled(call.Name, o.err != nil, o.duration)
		if o.err != nil {
			l.logger.Warn("工具调用失败",
				slog.String("tool", call.Name),
				slog.String("call_id", call.ID),
				slog.String("code", string(xerrors.CodeOf(o.err))),
				slog.Any("error", o.err),
			)
			l.transcript.Load().Append(llm.ToolResultTurn(call, o.err.Error(), true))
			l.emit(ctx, r, Event{Type: EventTool, Tool: &ToolEvent{
				CallID: call.ID, Name: call.Name, Phase: ToolFailed, Arguments: call.Arguments,
				Error: o.err.Error(), Duration: o.duration,
			}})
			continue
		}
		l.transcript.Load().Append(llm.ToolResultTurn(call, o.result, false))
		l.emit(ctx, r, Event{Type: EventTool, Tool: &ToolEvent{
			CallID: call.ID, Name: call.Name, Phase: ToolCompleted, Arguments: call.Arguments,
			Result: o.result, Duration: o.duration,
		}})
	}
}

func (l *Loop) invokeTool(ctx context.Context, call llm.ToolCall) toolOutcome {
	start := time.Now()
	if l.invoker == nil {
		return toolOutcome{err: xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("tool %q is not registered", call.Name))}
	}
	result, err := l.invoker.Invoke(ctx, call.Name, call.Arguments)
	return toolOutcome{result: result, err: err, duration: time.Since(start)}
}

func (l *Loop) finish(r *turnState, text string) {
	l.setState(StateDone)
	usage := l.usage.Snapshot().Sub(r.baseline)
	result := &Result{
		Text:      text,
		Usage:     usage,
		Rounds:    r.rounds,
		ToolCalls: r.toolCalls,
		Duration:  time.Since(r.start),
	}
	l.observer.ConversationFinished(Outcome{
		Provider: l.provider.Name(), State: StateDone, Rounds: r.rounds,
		ToolCalls: r.toolCalls, Usage: usage, Duration: result.Duration,
	})
	logger.Audit().Info("对话完成",
		slog.String("provider", l.provider.Name()),
		slog.Int("rounds", r.rounds),
		slog.Int("tool_calls", r.toolCalls),
		slog.Int64("input_units", usage.InputUnits),
		slog.Int64("output_units", usage.OutputUnits),
		slog.Duration("duration", result.Duration),
	)
	l.terminate(r, Event{Type: EventCompleted, Text: text, Result: result})
}

func (l *Loop) fail(r *turnState, err error) {
	l.setState(StateFailed)
	code := xerrors.CodeOf(err)
	usage := l.usage.Snapshot().Sub(r.baseline)
	l.observer.ConversationFinished(Outcome{
		Provider: l.provider.Name(), State: StateFailed, Code: code, Rounds: r.rounds,
		ToolCalls: r.toolCalls, Usage: usage, Duration: time.Since(r.start),
	})
	logger.Audit().Warn("对话失败",
		slog.String("provider", l.provider.Name()),
		slog.String("code", string(code)),
		slog.Int("rounds", r.rounds),
		slog.Any("error", err),
	)
	l.terminate(r, Event{Type: EventError, Err: err})
}

// terminate 先释放占用再推送终止事件，调用方收到终止事件后即可提交下一条消息。
func (l *Loop) terminate(r *turnState, ev Event) {
	l.busy.Store(false)
	r.out <- ev
}

// emit 推送非终止事件；调用方已取消时直接丢弃。
func (l *Loop) emit(ctx context.Context, r *turnState, ev Event) {
	select {
	case r.out <- ev:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
