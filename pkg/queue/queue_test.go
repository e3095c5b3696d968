package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestQueue(t *testing.T, capacity int, leaseTTL time.Duration) (*miniredis.Miniredis, *redis.Client, *Queue) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return s, rdb, New(rdb, capacity, leaseTTL)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	_, _, q := setupTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got != want {
			t.Errorf("Dequeue = %s, want %s", got, want)
		}
	}
}

func TestDequeueStampsLease(t *testing.T) {
	s, _, q := setupTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	q.Enqueue(ctx, "a")
	id, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if !s.Exists(LeaseKey(id)) {
		t.Error("expected lease key after dequeue")
	}
	if ttl := s.TTL(LeaseKey(id)); ttl == 0 {
		t.Error("expected lease key to carry a TTL")
	}
}

func TestCapacityBound(t *testing.T) {
	_, _, q := setupTestQueue(t, 2, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, "b"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err := q.Enqueue(ctx, "c")
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestDequeueEmpty(t *testing.T) {
	_, _, q := setupTestQueue(t, 10, time.Minute)

	_, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrNoTask) {
		t.Errorf("expected ErrNoTask, got %v", err)
	}
}

func TestAckClearsProcessingAndLease(t *testing.T) {
	s, _, q := setupTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	q.Enqueue(ctx, "a")
	id, _ := q.Dequeue(ctx, time.Second)

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	depths := q.Depths(ctx)
	if depths["processing"] != 0 {
		t.Errorf("expected empty processing list, got %d", depths["processing"])
	}
	if s.Exists(LeaseKey(id)) {
		t.Error("expected lease released after ack")
	}
}

func TestExpiredLeaseIsRequeued(t *testing.T) {
	s, _, q := setupTestQueue(t, 10, 500*time.Millisecond)
	ctx := context.Background()

	q.Enqueue(ctx, "a")
	id, _ := q.Dequeue(ctx, time.Second)

	// Lease still live: nothing to reap
	expired, err := q.Expired(ctx)
	if err != nil {
		t.Fatalf("Expired failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired ids, got %v", expired)
	}

	// Simulate a crashed worker by letting the lease lapse
	s.FastForward(time.Second)

	expired, err = q.Expired(ctx)
	if err != nil {
		t.Fatalf("Expired failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("expected [%s], got %v", id, expired)
	}

	moved, err := q.Requeue(ctx, id)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if !moved {
		t.Fatal("expected id moved back to pending")
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil || got != id {
		t.Fatalf("expected to dequeue %s again, got %s (%v)", id, got, err)
	}
}

func TestRequeueAlreadyAcked(t *testing.T) {
	_, _, q := setupTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	q.Enqueue(ctx, "a")
	id, _ := q.Dequeue(ctx, time.Second)
	q.Ack(ctx, id)

	moved, err := q.Requeue(ctx, id)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if moved {
		t.Error("expected no-op requeue for an acked id")
	}
}
