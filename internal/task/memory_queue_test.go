package task

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDeliversPublishedIDs(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := make(map[string]int)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 2, func(_ context.Context, taskID string) error {
			mu.Lock()
			received[taskID]++
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		got := len(received)
		mu.Unlock()
		if got == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for deliveries, got %v", received)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for id, count := range received {
		if count != 1 {
			t.Fatalf("task %s delivered %d times", id, count)
		}
	}
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "late"); err == nil {
		t.Fatalf("expected publish to fail after close")
	}
}
