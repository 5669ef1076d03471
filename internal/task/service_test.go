package task

import (
	"context"
	"errors"
	"testing"

	xerrors "OpenMCP-Chat/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitValidatesAndDefaults(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, 0)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, Request{Message: "   "}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	task, err := svc.Submit(ctx, Request{UserID: "alice", Message: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ID == "" || task.SessionID == "" || task.MaxRetries != 3 || task.Status != StatusPending {
		t.Fatalf("unexpected defaults: %+v", task)
	}
}

func TestSubmitIsIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, 3)
	ctx := context.Background()

	first, err := svc.Submit(ctx, Request{ID: "fixed", Message: "once"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, Request{ID: "fixed", Message: "twice"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Message != first.Message {
		t.Fatalf("resubmitting an id should return the stored task, got %q", second.Message)
	}
	if stats, _ := svc.Stats(ctx); stats.Total != 1 {
		t.Fatalf("expected one task, got %d", stats.Total)
	}
}

func TestSubmitMarksPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, Request{ID: "t", Message: "lost"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	got, err := store.Get(ctx, "t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("task should be failed terminally: %+v", got)
	}
}

func TestRequeuePending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Task{ID: id, Message: "m", MaxRetries: 3}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := store.MarkSucceeded(ctx, "c", Result{Reply: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	queue := NewMemoryQueue(8)
	svc := NewService(store, queue, 3)
	n, err := svc.RequeuePending(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 || len(queue.ch) != 2 {
		t.Fatalf("expected two pending tasks requeued, got %d (queue %d)", n, len(queue.ch))
	}
}

func TestServiceRequiresStore(t *testing.T) {
	svc := &Service{}
	if _, err := svc.Get(context.Background(), "x"); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
