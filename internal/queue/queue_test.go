package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test")
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d, err = %v, want 1", depth, err)
	}

	jobID, err := q.Dequeue(ctx, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if jobID != "j_1" {
		t.Fatalf("jobID = %q, want j_1", jobID)
	}

	depth, _ = q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("depth after dequeue = %d, want 0", depth)
	}
	inflight, err := q.InFlight(ctx)
	if err != nil || inflight != 1 {
		t.Fatalf("inflight = %d, err = %v, want 1", inflight, err)
	}

	if err := q.Ack(ctx, "j_1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	inflight, _ = q.InFlight(ctx)
	if inflight != 0 {
		t.Fatalf("inflight after ack = %d, want 0", inflight)
	}
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Dequeue(context.Background(), 50*time.Millisecond, time.Minute)
	if err != ErrEmpty {
		t.Fatalf("got %v, want ErrEmpty", err)
	}
}

func TestNackRequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Second, time.Minute); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Nack(ctx, "j_2", true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("depth after requeue = %d, want 1", depth)
	}
	inflight, _ := q.InFlight(ctx)
	if inflight != 0 {
		t.Fatalf("inflight after nack = %d, want 0", inflight)
	}
}

func TestNackWithoutRequeueDrops(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_3"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Second, time.Minute); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Nack(ctx, "j_3", false); err != nil {
		t.Fatalf("nack: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("depth after drop = %d, want 0", depth)
	}
}

func TestReapRequeuesExpiredClaims(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Claim with a visibility timeout already in the past so Reap finds it
	// immediately, simulating a worker that crashed mid-job.
	if _, err := q.Dequeue(ctx, time.Second, -time.Minute); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	expired, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(expired) != 1 || expired[0] != "j_4" {
		t.Fatalf("expired = %v, want [j_4]", expired)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("depth after reap = %d, want 1", depth)
	}
	inflight, _ := q.InFlight(ctx)
	if inflight != 0 {
		t.Fatalf("inflight after reap = %d, want 0", inflight)
	}
}

func TestReapLeavesFreshClaims(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_5"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Second, time.Hour); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	expired, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none", expired)
	}
}
