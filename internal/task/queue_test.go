package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
	redisstore "OpenMCP-Chat/internal/storage/redis"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
			return errors.New("handler errors are logged only")
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected three deliveries, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("consume should end with the context, got %v", err)
	}

	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := queue.Publish(context.Background(), "late"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}

func TestBrokerQueuesRejectBadConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisQueue(ctx, RedisQueueConfig{Client: redisstore.Config{Address: "127.0.0.1:1"}}); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("unreachable redis should be a queue failure, got %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty url should be rejected, got %v", err)
	}
}
