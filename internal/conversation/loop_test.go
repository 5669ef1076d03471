package conversation

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/llm"
	"OpenMCP-Chat/internal/mcp"
	"OpenMCP-Chat/internal/tools"
)

type step func(ctx context.Context, req llm.Request) (llm.Stream, error)

type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Open(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	return p.steps[idx](ctx, req)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func reply(events ...llm.Event) step {
	return func(context.Context, llm.Request) (llm.Stream, error) {
		return llm.NewSliceStream(events...), nil
	}
}

func failWith(err error) step {
	return func(context.Context, llm.Request) (llm.Stream, error) {
		return nil, err
	}
}

// stalled 返回一个永远不会产出事件的真实 SSE 流。
func stalled(timeout time.Duration) step {
	return func(context.Context, llm.Request) (llm.Stream, error) {
		reader, _ := io.Pipe()
		return llm.NewSSEStream("scripted", reader, nopDecoder{}, timeout), nil
	}
}

type nopDecoder struct{}

func (nopDecoder) Decode(llm.Frame) ([]llm.Event, error) { return nil, nil }

func toolCall(id, name, args string) []llm.Event {
	return []llm.Event{
		llm.ToolCallStart(id, name),
		llm.ToolCallDone(id, name, json.RawMessage(args)),
	}
}

func concat(groups ...[]llm.Event) []llm.Event {
	var out []llm.Event
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func demoInvoker(t *testing.T) *tools.Invoker {
	t.Helper()
	server := mcp.NewServer("demo", "0.1.0")
	mcp.RegisterDemoTools(server)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	registry := tools.NewRegistry(tools.WithDialer(tools.HTTPDialer(srv.Client())))
	statuses := registry.Initialize(context.Background(), []tools.Endpoint{{Name: "demo", URL: srv.URL}})
	if statuses[0].Err != nil {
		t.Fatalf("initialize registry: %v", statuses[0].Err)
	}
	t.Cleanup(func() { _ = registry.Close() })
	return tools.NewInvoker(registry, tools.WithCallBackoff(time.Millisecond))
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

type recordingObserver struct {
	mu       sync.Mutex
	retries  []xerrors.Code
	tools    []string
	outcomes []Outcome
}

func (o *recordingObserver) ToolCalled(name string, failed bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := "ok"
	if failed {
		status = "failed"
	}
	o.tools = append(o.tools, name+":"+status)
}

func (o *recordingObserver) ProviderRetried(_ string, code xerrors.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, code)
}

func (o *recordingObserver) ConversationFinished(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

func TestStreamsTextDeltasInOrder(t *testing.T) {
	provider := &scriptedProvider{steps: []step{reply(
		llm.TextDelta("2"), llm.TextDelta("+2"), llm.TextDelta("=4"), llm.Completed(),
	)}}
	loop := New(provider, nil)

	events := drain(loop.Submit(context.Background(), "2+2?"))
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	for i, want := range []string{"2", "+2", "=4"} {
		if events[i].Type != EventTextDelta || events[i].Text != want {
			t.Fatalf("event %d: expected delta %q, got %+v", i, want, events[i])
		}
	}
	final := events[3]
	if final.Type != EventCompleted || final.Result.Text != "2+2=4" || final.Result.Rounds != 1 {
		t.Fatalf("unexpected completion: %+v", final)
	}

	turns := loop.Transcript()
	if len(turns) != 2 || turns[0].Text != "2+2?" || turns[1].Role != llm.RoleAssistant || turns[1].Text != "2+2=4" {
		t.Fatalf("unexpected transcript: %+v", turns)
	}
	if loop.State() != StateDone {
		t.Fatalf("expected Done, got %s", loop.State())
	}
}

func TestToolRoundWithGreeting(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("1", "greet", `{"name":"Bob"}`), []llm.Event{llm.Completed()})...),
		reply(llm.TextDelta("I told Bob: Hello, Bob!"), llm.Completed()),
	}}
	loop := New(provider, demoInvoker(t))

	events := drain(loop.Submit(context.Background(), "send greeting to Bob"))
	final := events[len(events)-1]
	if final.Type != EventCompleted || !strings.Contains(final.Result.Text, "Hello, Bob!") {
		t.Fatalf("unexpected final event: %+v", final)
	}
	if final.Result.Rounds != 2 || final.Result.ToolCalls != 1 {
		t.Fatalf("expected 2 rounds and 1 tool call: %+v", final.Result)
	}

	var phases []ToolPhase
	for _, ev := range events {
		if ev.Type == EventTool {
			phases = append(phases, ev.Tool.Phase)
		}
	}
	if len(phases) != 2 || phases[0] != ToolStarted || phases[1] != ToolCompleted {
		t.Fatalf("unexpected tool phases: %v", phases)
	}

	turns := loop.Transcript()
	roles := make([]llm.Role, 0, len(turns))
	for _, turn := range turns {
		roles = append(roles, turn.Role)
	}
	want := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("unexpected roles: %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("unexpected roles: %v", roles)
		}
	}
	if turns[2].Result != "Hello, Bob!" || turns[2].IsError || turns[2].CallID != "1" {
		t.Fatalf("unexpected tool turn: %+v", turns[2])
	}
	if calls := turns[1].ToolCalls(); len(calls) != 1 || calls[0].Name != "greet" {
		t.Fatalf("assistant turn should carry the tool call: %+v", turns[1])
	}

	second := provider.request(1)
	if last := second.Turns[len(second.Turns)-1]; last.Role != llm.RoleTool || last.Result != "Hello, Bob!" {
		t.Fatalf("second round should see the tool result: %+v", last)
	}
	if len(second.Tools) != 2 {
		t.Fatalf("registry tools should be offered to the provider: %+v", second.Tools)
	}
}

func TestUnknownToolIsRecordedWithoutRetry(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("x", "unknown_tool", `{}`), []llm.Event{llm.Completed()})...),
		reply(llm.TextDelta("I could not use that tool."), llm.Completed()),
	}}
	invoker := demoInvoker(t)
	loop := New(provider, invoker)

	result, err := loop.Complete(context.Background(), "use the unknown tool")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if invoker.Retries() != 0 {
		t.Fatalf("unknown tools must not be retried, got %d retries", invoker.Retries())
	}
	if provider.calls() != 2 || result.Rounds != 2 {
		t.Fatalf("loop should continue to a second round, got %d calls", provider.calls())
	}
	turn := loop.Transcript()[2]
	if turn.Role != llm.RoleTool || !turn.IsError || !strings.Contains(turn.Result, string(xerrors.CodeToolNotFound)) {
		t.Fatalf("failure should be recorded in the transcript: %+v", turn)
	}
}

func TestNonRetryableToolFailureContinues(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("1", "greet", `{}`), []llm.Event{llm.Completed()})...),
		reply(llm.TextDelta("Whom should I greet?"), llm.Completed()),
	}}
	invoker := demoInvoker(t)
	observer := &recordingObserver{}
	loop := New(provider, invoker, WithObserver(observer))

	result, err := loop.Complete(context.Background(), "greet someone")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Text != "Whom should I greet?" || invoker.Retries() != 0 {
		t.Fatalf("unexpected result %+v retries=%d", result, invoker.Retries())
	}
	if turn := loop.Transcript()[2]; !turn.IsError || !strings.Contains(turn.Result, string(xerrors.CodeToolInvocation)) {
		t.Fatalf("tool failure should be recorded: %+v", turn)
	}
	if len(observer.tools) != 1 || observer.tools[0] != "greet:failed" {
		t.Fatalf("observer should see the failed call: %v", observer.tools)
	}
}

func TestStreamTimeoutRetriesThenFails(t *testing.T) {
	provider := &scriptedProvider{steps: []step{stalled(20 * time.Millisecond)}}
	observer := &recordingObserver{}
	loop := New(provider, nil, WithRetryDelay(0), WithObserver(observer))

	events := drain(loop.Submit(context.Background(), "hello"))
	if len(events) != 3 || events[0].Type != EventRetry || events[1].Type != EventRetry || events[2].Type != EventError {
		t.Fatalf("expected two retry events then one error, got %+v", events)
	}
	if events[0].Retry.Attempt != 1 || events[1].Retry.Attempt != 2 || events[0].Retry.Code != string(xerrors.CodeStreamTimeout) {
		t.Fatalf("unexpected retry events: %+v %+v", events[0].Retry, events[1].Retry)
	}
	if xerrors.CodeOf(events[2].Err) != xerrors.CodeStreamTimeout {
		t.Fatalf("expected STREAM_TIMEOUT, got %v", events[2].Err)
	}
	if provider.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", provider.calls())
	}
	if len(observer.retries) != 2 {
		t.Fatalf("expected 2 recorded retries, got %v", observer.retries)
	}
	turns := loop.Transcript()
	if len(turns) != 1 || turns[0].Role != llm.RoleUser {
		t.Fatalf("only the user turn should be committed: %+v", turns)
	}
	for i := 0; i < provider.calls(); i++ {
		if n := len(provider.request(i).Turns); n != 1 {
			t.Fatalf("attempt %d saw %d turns, transcript must be unchanged between retries", i, n)
		}
	}
	if loop.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", loop.State())
	}
}

func TestRetryableProviderErrorRecovers(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		failWith(llm.StatusError("scripted", 503, "unavailable")),
		reply(llm.TextDelta("ok"), llm.Completed()),
	}}
	loop := New(provider, nil, WithRetryDelay(time.Millisecond))

	result, err := loop.Complete(context.Background(), "hi")
	if err != nil || result.Text != "ok" {
		t.Fatalf("expected recovery, got %+v %v", result, err)
	}
	if provider.calls() != 2 {
		t.Fatalf("expected 2 attempts, got %d", provider.calls())
	}
}

func TestNonRetryableProviderErrorFailsImmediately(t *testing.T) {
	provider := &scriptedProvider{steps: []step{failWith(llm.StatusError("scripted", 401, "bad key"))}}
	loop := New(provider, nil, WithRetryDelay(0))

	_, err := loop.Complete(context.Background(), "hi")
	if xerrors.CodeOf(err) != xerrors.CodeProviderError {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if provider.calls() != 1 {
		t.Fatalf("non-retryable errors must not be retried, got %d calls", provider.calls())
	}
}

func TestCompleteNeverReturnsPartialText(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		func(context.Context, llm.Request) (llm.Stream, error) {
			return &errorAfter{events: []llm.Event{llm.TextDelta("partial")}, err: llm.StatusError("scripted", 400, "bad")}, nil
		},
	}}
	loop := New(provider, nil)

	events := drain(loop.Submit(context.Background(), "hi"))
	if len(events) != 2 || events[0].Text != "partial" || events[1].Type != EventError {
		t.Fatalf("streaming callers should see partial text then the error: %+v", events)
	}

	result, err := loop.Complete(context.Background(), "again")
	if result != nil || err == nil {
		t.Fatalf("blocking callers must get only the error, got %+v %v", result, err)
	}
}

func TestRetryEventCarriesDiscardedText(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		func(context.Context, llm.Request) (llm.Stream, error) {
			return &errorAfter{events: []llm.Event{llm.TextDelta("Hel"), llm.TextDelta("lo wor")}, err: llm.StatusError("scripted", 503, "unavailable")}, nil
		},
		reply(llm.TextDelta("Hello, "), llm.TextDelta("world"), llm.Completed()),
	}}
	loop := New(provider, nil, WithRetryDelay(time.Millisecond))

	var streamed string
	var result *Result
	for ev := range loop.Submit(context.Background(), "hi") {
		switch ev.Type {
		case EventTextDelta:
			streamed += ev.Text
		case EventRetry:
			if ev.Retry.Discarded != "Hello wor" {
				t.Fatalf("unexpected discarded text %q", ev.Retry.Discarded)
			}
			if !strings.HasSuffix(streamed, ev.Retry.Discarded) {
				t.Fatalf("discarded text should be a suffix of what was streamed: %q", streamed)
			}
			streamed = strings.TrimSuffix(streamed, ev.Retry.Discarded)
		case EventCompleted:
			result = ev.Result
		}
	}
	if result == nil || result.Text != "Hello, world" {
		t.Fatalf("unexpected result %+v", result)
	}
	if streamed != result.Text {
		t.Fatalf("streamed text %q should match completed text %q after discarding", streamed, result.Text)
	}
}

type errorAfter struct {
	events []llm.Event
	err    error
}

func (s *errorAfter) Recv(context.Context) (llm.Event, error) {
	if len(s.events) == 0 {
		return llm.Event{}, s.err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *errorAfter) Close() error { return nil }

func TestMaxRoundsExceeded(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("1", "greet", `{"name":"Bob"}`), []llm.Event{llm.Completed()})...),
	}}
	loop := New(provider, demoInvoker(t), WithMaxRounds(2))

	_, err := loop.Complete(context.Background(), "loop forever")
	if xerrors.CodeOf(err) != xerrors.CodeMaxRoundsExceeded {
		t.Fatalf("expected MAX_ROUNDS_EXCEEDED, got %v", err)
	}
	if provider.calls() != 2 {
		t.Fatalf("expected exactly 2 provider rounds, got %d", provider.calls())
	}
	if loop.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", loop.State())
	}
}

func TestUsageAccumulatesAcrossRounds(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("1", "add", `{"a":1,"b":2}`), []llm.Event{llm.UsageEvent(1000, 200), llm.Completed()})...),
		reply(llm.TextDelta("3"), llm.UsageEvent(500, 300), llm.Completed()),
	}}
	loop := New(provider, demoInvoker(t))

	result, err := loop.Complete(context.Background(), "1+2")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	usage := loop.Usage()
	if usage.InputUnits != 1500 || usage.OutputUnits != 500 || usage.TotalUnits != 2000 {
		t.Fatalf("usage should be the sum of rounds: %+v", usage)
	}
	wantCost := 1500.0/1e6*2.0 + 500.0/1e6*8.0
	if math.Abs(usage.TotalCost-wantCost) > 1e-12 {
		t.Fatalf("unexpected cost %v, want %v", usage.TotalCost, wantCost)
	}
	if result.Usage.InputUnits != 1500 {
		t.Fatalf("result should carry this turn's usage: %+v", result.Usage)
	}

	if err := loop.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if u := loop.Usage(); u.TotalUnits != 0 || u.TotalCost != 0 {
		t.Fatalf("reset should zero usage: %+v", u)
	}
	if len(loop.Transcript()) != 0 {
		t.Fatalf("reset should clear the transcript")
	}
}

type stubInvoker struct {
	mu     sync.Mutex
	order  []string
	delays map[string]time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (s *stubInvoker) Invoke(ctx context.Context, name string, _ json.RawMessage) (string, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(s.delays[name]):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	s.mu.Lock()
	s.order = append(s.order, name)
	s.mu.Unlock()
	return name + "-done", nil
}

func (s *stubInvoker) Tools() []tools.Descriptor {
	return []tools.Descriptor{{Name: "slow"}, {Name: "fast"}}
}

func TestDispatchAllKeepsAdapterOrder(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("a", "slow", `{}`), toolCall("b", "fast", `{}`), []llm.Event{llm.Completed()})...),
		reply(llm.TextDelta("both done"), llm.Completed()),
	}}
	invoker := &stubInvoker{delays: map[string]time.Duration{"slow": 40 * time.Millisecond, "fast": time.Millisecond}}
	loop := New(provider, invoker, WithToolConcurrency(2))

	if _, err := loop.Complete(context.Background(), "run both"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if invoker.peak.Load() != 2 {
		t.Fatalf("tools should run concurrently, peak=%d", invoker.peak.Load())
	}
	turns := loop.Transcript()
	if turns[2].CallID != "a" || turns[3].CallID != "b" || turns[2].Result != "slow-done" {
		t.Fatalf("results must follow adapter order: %+v", turns[2:4])
	}
}

func TestDispatchFirstOnlyRunsFirstCall(t *testing.T) {
	provider := &scriptedProvider{steps: []step{
		reply(concat(toolCall("a", "slow", `{}`), toolCall("b", "fast", `{}`), []llm.Event{llm.Completed()})...),
		reply(llm.TextDelta("first only"), llm.Completed()),
	}}
	invoker := &stubInvoker{delays: map[string]time.Duration{}}
	loop := New(provider, invoker, WithDispatch(DispatchFirst))

	if _, err := loop.Complete(context.Background(), "run first"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(invoker.order) != 1 || invoker.order[0] != "slow" {
		t.Fatalf("only the first call should run: %v", invoker.order)
	}
	turns := loop.Transcript()
	if calls := turns[1].ToolCalls(); len(calls) != 1 || calls[0].ID != "a" {
		t.Fatalf("assistant turn should only carry the dispatched call: %+v", calls)
	}
}

func TestCancellationFailsWithCanceled(t *testing.T) {
	provider := &scriptedProvider{steps: []step{stalled(time.Minute)}}
	loop := New(provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := loop.Submit(ctx, "hello")
	time.Sleep(10 * time.Millisecond)
	cancel()

	events := drain(ch)
	last := events[len(events)-1]
	if last.Type != EventError || xerrors.CodeOf(last.Err) != xerrors.CodeCanceled {
		t.Fatalf("expected CANCELED, got %+v", last)
	}
	if provider.calls() != 1 {
		t.Fatalf("canceled turns must not be retried, got %d calls", provider.calls())
	}
	if loop.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", loop.State())
	}
}

func TestRejectsEmptyAndConcurrentSubmissions(t *testing.T) {
	provider := &scriptedProvider{steps: []step{stalled(time.Minute)}}
	loop := New(provider, nil)

	events := drain(loop.Submit(context.Background(), "   "))
	if len(events) != 1 || xerrors.CodeOf(events[0].Err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty message should fail immediately: %+v", events)
	}
	if len(loop.Transcript()) != 0 {
		t.Fatalf("empty message must not be recorded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := loop.Submit(ctx, "hello")
	busy := drain(loop.Submit(context.Background(), "again"))
	if len(busy) != 1 || xerrors.CodeOf(busy[0].Err) != xerrors.CodeConflict {
		t.Fatalf("concurrent submit should be rejected: %+v", busy)
	}
	if err := loop.Reset(); err != ErrBusy {
		t.Fatalf("reset during a turn should be rejected, got %v", err)
	}
	cancel()
	drain(first)
}

func TestHistoryOptionSeedsTranscript(t *testing.T) {
	provider := &scriptedProvider{steps: []step{reply(llm.TextDelta("again"), llm.Completed())}}
	history := []llm.Turn{llm.UserTurn("earlier"), llm.AssistantTurn("reply", nil)}
	loop := New(provider, nil, WithHistory(history), WithSystemPrompt("be brief"))

	if _, err := loop.Complete(context.Background(), "now"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	req := provider.request(0)
	if req.System != "be brief" || len(req.Turns) != 3 || req.Turns[0].Text != "earlier" {
		t.Fatalf("provider should see restored history: %+v", req)
	}
}
