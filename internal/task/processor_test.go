package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Chat/internal/conversation"
	xerrors "OpenMCP-Chat/internal/errors"
	"OpenMCP-Chat/internal/observability/alerting"
	"OpenMCP-Chat/internal/session"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration

	mu sync.Mutex
	// failures 依次返回的错误，用尽后成功。
	failures []error
}

func (f *fakeExecutor) Chat(ctx context.Context, req session.Request) (*session.Reply, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	f.processed.Add(1)
	return &session.Reply{
		SessionID: req.SessionID,
		Result: conversation.Result{
			Text:   "re: " + req.Message,
			Rounds: 1,
			Usage:  conversation.Usage{InputUnits: 7, OutputUnits: 3},
		},
	}, nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) TaskFinished(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[status]++
}

func (o *countingObserver) count(status string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[status]
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAlerter) recorded() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func runProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitForStatus(t *testing.T, svc *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := svc.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}
	observer := &countingObserver{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8), WithTaskObserver(observer))
	stop := runProcessor(t, processor)
	defer stop()

	const total = 100
	ctx := context.Background()
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, Request{UserID: fmt.Sprintf("u%d", i), Message: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("tasks not processed in time, done %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	// 计数在标记成功之后才更新。
	deadline = time.After(2 * time.Second)
	for observer.count(string(StatusSucceeded)) < total {
		select {
		case <-deadline:
			t.Fatalf("observer saw %d successes", observer.count(string(StatusSucceeded)))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorStoresResult(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	stop := runProcessor(t, NewProcessor(&fakeExecutor{}, store, queue, queue))
	defer stop()

	task, err := service.Submit(context.Background(), Request{UserID: "alice", SessionID: "s1", Message: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForStatus(t, service, task.ID)
	if done.Status != StatusSucceeded || done.Result == nil {
		t.Fatalf("unexpected task: %+v", done)
	}
	if done.Result.Reply != "re: hello" || done.Result.InputUnits != 7 || done.Result.OutputUnits != 3 || done.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &fakeExecutor{failures: []error{session.ErrSessionBusy, session.ErrSessionBusy}}
	service := NewService(store, queue, 3)
	stop := runProcessor(t, NewProcessor(executor, store, queue, queue, WithRetryDelay(time.Millisecond)))
	defer stop()

	task, err := service.Submit(context.Background(), Request{UserID: "alice", Message: "busy?"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForStatus(t, service, task.ID)
	if done.Status != StatusSucceeded || done.Attempts != 3 {
		t.Fatalf("expected success on the third attempt: %+v", done)
	}
}

func TestProcessorStopsOnTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &recordingAlerter{}
	observer := &countingObserver{}
	badRequest := xerrors.New(xerrors.CodeProviderError, "401 unauthorized", xerrors.WithRetryable(false))
	executor := &fakeExecutor{failures: []error{badRequest}}
	service := NewService(store, queue, 3)
	stop := runProcessor(t, NewProcessor(executor, store, queue, queue,
		WithAlertDispatcher(alerts), WithTaskObserver(observer)))
	defer stop()

	task, err := service.Submit(context.Background(), Request{UserID: "alice", SessionID: "s1", Message: "fail"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForStatus(t, service, task.ID)
	if done.Status != StatusFailed || done.Attempts != 1 || done.ErrorCode != string(xerrors.CodeProviderError) {
		t.Fatalf("expected terminal failure after one attempt: %+v", done)
	}
	events := alerts.recorded()
	if len(events) != 1 || events[0].TaskID != task.ID || events[0].Source != "task" || events[0].Metadata["stage"] != "non_retryable" {
		t.Fatalf("unexpected alerts: %+v", events)
	}
	if observer.count(string(StatusFailed)) != 1 {
		t.Fatalf("observer should see one failure")
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &recordingAlerter{}
	timeout := xerrors.New(xerrors.CodeStreamTimeout, "stalled")
	executor := &fakeExecutor{failures: []error{timeout, timeout, timeout}}
	service := NewService(store, queue, 2)
	stop := runProcessor(t, NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts)))
	defer stop()

	task, err := service.Submit(context.Background(), Request{Message: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForStatus(t, service, task.ID)
	if done.Status != StatusFailed || done.Attempts != 2 || done.ErrorCode != string(xerrors.CodeStreamTimeout) {
		t.Fatalf("expected failure after two attempts: %+v", done)
	}
	events := alerts.recorded()
	if len(events) != 1 || events[0].Metadata["stage"] != "terminal" || events[0].Attempts != 2 {
		t.Fatalf("unexpected alerts: %+v", events)
	}
}
