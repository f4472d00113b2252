package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type job struct {
	id string
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[job](1)
	result := make(chan job, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), job{id: "batch-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.id != "batch-1" {
			t.Fatalf("expected batch-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[job](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue[job](1)
	if err := qEnqueue.Enqueue(context.Background(), job{id: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, job{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueTryEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue[job](1)
	if err := q.TryEnqueue(job{id: "a"}); err != nil {
		t.Fatalf("TryEnqueue() error = %v", err)
	}
	if err := q.TryEnqueue(job{id: "b"}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 waiting item, got %d", q.Len())
	}
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue[job](2)
	if err := q.TryEnqueue(job{id: "a"}); err != nil {
		t.Fatalf("TryEnqueue() error = %v", err)
	}
	q.Close()
	// Closing twice should be safe.
	q.Close()

	if err := q.TryEnqueue(job{id: "b"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from TryEnqueue, got %v", err)
	}
	if err := q.Enqueue(context.Background(), job{id: "b"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Enqueue, got %v", err)
	}
	got, err := q.Dequeue(context.Background())
	if err != nil || got.id != "a" {
		t.Fatalf("expected queued item after close, got %+v, %v", got, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
