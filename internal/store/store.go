// Package store is the State Store Gateway (C1): the single place that
// reads and writes job state, idempotency bindings, cancel flags, and the
// in-progress set in Redis. Every other service-layer package depends on
// this one instead of touching go-redis directly, following the teacher's
// practice of keeping one package per backing store concern.
//
// Keys are namespaced under cfg.KeyPrefix the way the original redis_client
// did under its own "cui" prefix (see redis_client.py), generalized to the
// prefix resolved by internal/config.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imageforge/internal/jobs"
)

// Store is the State Store Gateway. A *redis.Client satisfies the subset of
// methods Store needs, so tests can point it at a miniredis instance.
type Store struct {
	rdb    *redis.Client
	prefix string

	recordTTL time.Duration
	idempTTL  time.Duration
	cancelTTL time.Duration
}

// New builds a Store over rdb, namespacing every key under prefix.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{
		rdb:       rdb,
		prefix:    prefix,
		recordTTL: 24 * time.Hour,
		idempTTL:  24 * time.Hour,
		cancelTTL: time.Hour,
	}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) jobKey(jobID string) string { return s.key("jobs", jobID) }
func (s *Store) idempKey(owner, idempotencyKey string) string {
	return s.key("idemp", owner, idempotencyKey)
}
func (s *Store) cancelKey(jobID string) string  { return s.key("jobs", jobID, "cancel") }
func (s *Store) topicKey(jobID string) string   { return s.key("ws", "jobs", jobID) }
func (s *Store) inProgressKey() string          { return s.key("jobs", "inprogress") }

// Ping checks Redis reachability for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CreateJob writes a brand new record exactly as given; it does not set or
// check rec.Status (the Submission Service passes StatusQueued). It fails with
// jobs.ErrAlreadyExists if job_id is already taken, matching the spec's
// "job_id collision is a server bug, not a client error" stance (§4.1):
// callers are expected to have generated a fresh ID.
func (s *Store) CreateJob(ctx context.Context, rec *jobs.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.jobKey(rec.JobID), payload, s.recordTTL).Result()
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", rec.JobID, err)
	}
	if !ok {
		return jobs.ErrAlreadyExists
	}
	return nil
}

// GetJob loads the full record, or jobs.ErrNotFound if job_id is unknown or
// has expired.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.Record, error) {
	raw, err := s.rdb.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", jobID, err)
	}
	var rec jobs.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal job %s: %w", jobID, err)
	}
	return &rec, nil
}

// Mutate loads job_id, passes it to fn for in-place modification, and
// writes it back inside a WATCH transaction so a concurrent writer racing
// the same job_id is detected and retried. fn returning an error aborts the
// whole update (nothing is written) and that error is returned to the
// caller. fn is responsible for calling jobs.CanTransition itself when it
// changes rec.Status; Mutate only guarantees atomicity, not state-machine
// legality.
func (s *Store) Mutate(ctx context.Context, jobID string, fn func(rec *jobs.Record) error) (*jobs.Record, error) {
	key := s.jobKey(jobID)
	const maxAttempts = 5

	var result *jobs.Record
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txf := func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return jobs.ErrNotFound
			}
			if err != nil {
				return err
			}
			var rec jobs.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if err := fn(&rec); err != nil {
				return err
			}
			payload, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, payload, s.recordTTL)
				return nil
			})
			if err == nil {
				result = &rec
			}
			return err
		}

		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("store: mutate job %s: exceeded %d retries on contention", jobID, maxAttempts)
}

// UpdateStatus is a thin Mutate wrapper enforcing jobs.CanTransition,
// returning jobs.ErrIllegalTransition when the move is not allowed by the
// state machine in spec §4.7. A record that is already terminal is never
// rewritten, not even with its own status.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, to jobs.Status, mutate func(rec *jobs.Record)) (*jobs.Record, error) {
	return s.Mutate(ctx, jobID, func(rec *jobs.Record) error {
		if rec.Status.Terminal() || !jobs.CanTransition(rec.Status, to) {
			return jobs.ErrIllegalTransition
		}
		rec.Status = to
		now := timeNow()
		switch to {
		case jobs.StatusRunning:
			if rec.StartedAt == nil {
				rec.StartedAt = &now
			}
		case jobs.StatusSucceeded, jobs.StatusFailed, jobs.StatusCanceled, jobs.StatusExpired:
			if rec.FinishedAt == nil {
				rec.FinishedAt = &now
			}
		}
		if mutate != nil {
			mutate(rec)
		}
		return nil
	})
}

// timeNow is a var so tests can freeze it; production leaves it as time.Now.
var timeNow = time.Now

// SetIdempotency binds (owner, idempotencyKey) to jobID with SETNX
// semantics: the first caller wins, later callers get ok=false and the
// winning jobID back (spec §5.1's "first writer creates the job" rule).
func (s *Store) SetIdempotency(ctx context.Context, owner, idempotencyKey, jobID string) (winner string, ok bool, err error) {
	key := s.idempKey(owner, idempotencyKey)
	set, err := s.rdb.SetNX(ctx, key, jobID, s.idempTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("store: set idempotency: %w", err)
	}
	if set {
		return jobID, true, nil
	}
	existing, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The binding expired or was deleted between SETNX and Get: claim it
		// for this caller. A binding that still exists is returned as is,
		// even when the job it names no longer exists.
		if err := s.rdb.Set(ctx, key, jobID, s.idempTTL).Err(); err != nil {
			return "", false, fmt.Errorf("store: heal idempotency: %w", err)
		}
		return jobID, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get idempotency: %w", err)
	}
	return existing, false, nil
}

// GetIdempotency looks up an existing binding without creating one.
func (s *Store) GetIdempotency(ctx context.Context, owner, idempotencyKey string) (jobID string, found bool, err error) {
	v, err := s.rdb.Get(ctx, s.idempKey(owner, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get idempotency: %w", err)
	}
	return v, true, nil
}

// SetCancelFlag marks job_id for cooperative cancellation. Workers poll
// IsCancelRequested at checkpoints (spec §4.5).
func (s *Store) SetCancelFlag(ctx context.Context, jobID string) error {
	if err := s.rdb.Set(ctx, s.cancelKey(jobID), "1", s.cancelTTL).Err(); err != nil {
		return fmt.Errorf("store: set cancel flag %s: %w", jobID, err)
	}
	return nil
}

// IsCancelRequested reports whether jobID's cancel flag is set.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("store: check cancel flag %s: %w", jobID, err)
	}
	return n > 0, nil
}

// ClearCancelFlag removes the flag once the worker has honored it.
func (s *Store) ClearCancelFlag(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, s.cancelKey(jobID)).Err(); err != nil {
		return fmt.Errorf("store: clear cancel flag %s: %w", jobID, err)
	}
	return nil
}

// MarkInProgress adds jobID to the in-progress set, consulted by the
// worker's startup recovery sweep (spec §4.8) to find orphans from a crash.
func (s *Store) MarkInProgress(ctx context.Context, jobID string) error {
	if err := s.rdb.SAdd(ctx, s.inProgressKey(), jobID).Err(); err != nil {
		return fmt.Errorf("store: mark in-progress %s: %w", jobID, err)
	}
	return nil
}

// UnmarkInProgress removes jobID from the in-progress set once it reaches a
// terminal status or is handed back to the queue.
func (s *Store) UnmarkInProgress(ctx context.Context, jobID string) error {
	if err := s.rdb.SRem(ctx, s.inProgressKey(), jobID).Err(); err != nil {
		return fmt.Errorf("store: unmark in-progress %s: %w", jobID, err)
	}
	return nil
}

// ListInProgress returns every job_id currently claimed by a worker.
func (s *Store) ListInProgress(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.inProgressKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list in-progress: %w", err)
	}
	return members, nil
}

// Publish broadcasts ev on job_id's progress topic. Subscribers with no
// active connection simply miss it, matching spec §4.6's "progress events
// are not replayed, only the terminal state is durable" design.
func (s *Store) Publish(ctx context.Context, jobID string, ev jobs.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.topicKey(jobID), payload).Err(); err != nil {
		return fmt.Errorf("store: publish event %s: %w", jobID, err)
	}
	return nil
}

// Subscribe opens a Redis pub/sub subscription to job_id's progress topic.
// Callers must Close the returned *redis.PubSub when done.
func (s *Store) Subscribe(ctx context.Context, jobID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, s.topicKey(jobID))
}

// QueueDepth reports the length of the Redis list at queueKey (the Queue
// Driver's ReadyKey). /health and the imageforge_queue_depth gauge read the
// depth through queue.Depth instead; nothing in this repository calls
// QueueDepth.
func (s *Store) QueueDepth(ctx context.Context, queueKey string) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return n, nil
}

// KeyPrefix exposes the namespace so sibling packages (queue, worker) can
// derive their own keys consistently without duplicating the prefix logic.
func (s *Store) KeyPrefix() string { return s.prefix }
