// Package queue is the Queue Driver (C4): a durable, visibility-timeout
// based job queue backed by Redis lists and sorted sets. It generalizes the
// teacher's in-process jobsCh+semaphore worker queue (internal/handlers/jobs.go)
// into a structure that survives a process restart, following spec §4.3-§4.4.
//
// A job_id lives in exactly one of three places at a time: the ready list
// (waiting to be claimed), the in-flight ZSET (claimed, scored by the time
// its visibility expires), or nowhere (acked and gone). Dequeue is a
// BLMOVE-style claim implemented as LPOP+ZADD so a claimed item survives a
// worker crash: Reap() periodically requeues in-flight items whose score has
// passed, the same durability property the Redis work-queue examples in the
// retrieval pack build around.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no job_id became available before
// the timeout elapsed.
var ErrEmpty = errors.New("queue: no job available")

// Queue is the Queue Driver.
type Queue struct {
	rdb    *redis.Client
	prefix string
}

// New builds a Queue over rdb, namespaced under prefix (the same prefix
// main.go gives internal/store).
func New(rdb *redis.Client, prefix string) *Queue {
	return &Queue{rdb: rdb, prefix: prefix}
}

func (q *Queue) readyKey() string   { return q.prefix + ":queue:ready" }
func (q *Queue) inflightKey() string { return q.prefix + ":queue:inflight" }

// ReadyKey exposes the ready-list key, the key internal/store's QueueDepth
// helper takes, without this package importing store.
func (q *Queue) ReadyKey() string { return q.readyKey() }

// Enqueue appends jobID to the ready list (spec §4.3, FIFO dispatch order).
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.RPush(ctx, q.readyKey(), jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks up to timeout waiting for a ready job_id, then claims it by
// moving it into the in-flight ZSET scored by now+visibility. The caller
// must Ack or Nack the returned job_id before the visibility timeout
// elapses, or Reap will hand it to another worker.
func (q *Queue) Dequeue(ctx context.Context, timeout, visibility time.Duration) (string, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("queue: dequeue: %w", err)
	}
	jobID := res[1]
	deadline := float64(timeNow().Add(visibility).Unix())
	if err := q.rdb.ZAdd(ctx, q.inflightKey(), redis.Z{Score: deadline, Member: jobID}).Err(); err != nil {
		return "", fmt.Errorf("queue: claim %s: %w", jobID, err)
	}
	return jobID, nil
}

// Ack removes jobID from the in-flight set once the worker has durably
// recorded its terminal state (spec §4.4: ack only after the terminal CAS
// write succeeds, never before).
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.ZRem(ctx, q.inflightKey(), jobID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return nil
}

// Nack removes jobID from in-flight and, if requeue is true, pushes it back
// onto the ready list for another worker to claim. Nack(requeue=false) is
// used when the job has already reached a terminal status some other way
// (for example a client cancel observed before the worker claimed it).
func (q *Queue) Nack(ctx context.Context, jobID string, requeue bool) error {
	if err := q.rdb.ZRem(ctx, q.inflightKey(), jobID).Err(); err != nil {
		return fmt.Errorf("queue: nack %s: %w", jobID, err)
	}
	if !requeue {
		return nil
	}
	return q.Enqueue(ctx, jobID)
}

// Reap sweeps the in-flight ZSET for entries whose visibility deadline has
// passed and requeues them, the crash-recovery mechanism described in spec
// §4.8. It returns the job_ids it requeued so the caller can log/count them.
func (q *Queue) Reap(ctx context.Context) ([]string, error) {
	now := float64(timeNow().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: reap scan: %w", err)
	}
	for _, jobID := range expired {
		if err := q.rdb.ZRem(ctx, q.inflightKey(), jobID).Err(); err != nil {
			return nil, fmt.Errorf("queue: reap remove %s: %w", jobID, err)
		}
		if err := q.Enqueue(ctx, jobID); err != nil {
			return nil, fmt.Errorf("queue: reap requeue %s: %w", jobID, err)
		}
	}
	return expired, nil
}

// Depth reports the number of job_ids waiting to be claimed.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// InFlight reports the number of job_ids currently claimed by a worker.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.inflightKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: inflight: %w", err)
	}
	return n, nil
}

// timeNow is a var so tests can freeze it.
var timeNow = time.Now
