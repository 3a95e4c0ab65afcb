// Package submission is the Submission Service (C5): validates a
// generation request, computes or accepts an idempotency key, allocates a
// job_id, creates the durable record, and enqueues it. It is a direct
// generalization of the original job_queue.py's submit_job, folding the
// ARQ enqueue step into the Queue Driver.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"

	"imageforge/internal/jobs"
	"imageforge/internal/logx"
	"imageforge/internal/metrics"
	"imageforge/internal/queue"
	"imageforge/internal/store"
	"imageforge/internal/telemetry"
)

var validate = validator.New()

// Service is the Submission Service.
type Service struct {
	store *store.Store
	queue *queue.Queue
}

// New builds a Service over the given store and queue.
func New(st *store.Store, q *queue.Queue) *Service {
	return &Service{store: st, queue: q}
}

// Receipt is the result of a successful Submit call, rendered by the HTTP
// layer as the 202 response body.
type Receipt struct {
	JobID    string
	Status   jobs.Status
	QueuedAt time.Time
	Replayed bool
}

// Validate checks params against the struct-tag rules of spec §6.2,
// returning a validator.ValidationErrors for a tag violation or a plain
// error for an unrecognized sampler; the HTTP layer renders both as a 400.
func Validate(params jobs.SubmissionParams) error {
	if err := validate.Struct(params); err != nil {
		return err
	}
	if !jobs.ValidSampler(params.Sampler) {
		return fmt.Errorf("sampler %q is not a recognized sampler", params.Sampler)
	}
	return nil
}

// ComputeIdempotencyKey derives a stable key from (owner, params) the way
// job_queue.py's _compute_idempotency_key does: a SHA-256 of the
// sorted-key JSON encoding, truncated to 16 hex characters. Submit calls
// this when the caller did not supply an explicit Idempotency-Key header.
func ComputeIdempotencyKey(owner string, params jobs.SubmissionParams) (string, error) {
	canonical := map[string]any{
		"prompt":          params.Prompt,
		"negative_prompt": params.NegativePrompt,
		"width":           params.Width,
		"height":          params.Height,
		"steps":           params.Steps,
		"cfg_scale":       params.CFGScale,
		"sampler":         string(params.Sampler),
		"seed":            params.Seed,
		"model":           params.Model,
		"batch_size":      params.BatchSize,
		"token":           owner,
		"version":         "v1",
	}
	content, err := marshalSorted(canonical)
	if err != nil {
		return "", fmt.Errorf("submission: compute idempotency key: %w", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16], nil
}

// marshalSorted produces the JSON encoding job_queue.py gets from
// json.dumps(..., sort_keys=True): Go's encoding/json already sorts map
// keys, so a plain Marshal is equivalent.
func marshalSorted(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}

// generateJobID mints a job_id in the "j_" + 12 hex chars shape used by the
// original service's _generate_job_id.
func generateJobID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return "j_" + hex.EncodeToString(b)
}

// Submit validates params, resolves idempotency, and enqueues a new job.
// owner identifies the caller (spec §6.3's owner-scoped view); explicitKey
// is the client-supplied Idempotency-Key header, or "" to derive one from
// params.
func (s *Service) Submit(ctx context.Context, owner string, params jobs.SubmissionParams, explicitKey string) (Receipt, error) {
	if err := Validate(params); err != nil {
		return Receipt{}, err
	}

	idempotencyKey := explicitKey
	if idempotencyKey == "" {
		key, err := ComputeIdempotencyKey(owner, params)
		if err != nil {
			return Receipt{}, err
		}
		idempotencyKey = key
	}

	jobID := generateJobID()
	winner, created, err := s.store.SetIdempotency(ctx, owner, idempotencyKey, jobID)
	if err != nil {
		return Receipt{}, fmt.Errorf("submission: set idempotency: %w", err)
	}
	if !created {
		existing, err := s.store.GetJob(ctx, winner)
		if err != nil {
			return Receipt{}, fmt.Errorf("submission: load existing job %s: %w", winner, err)
		}
		telemetry.Event("submission_idempotency_hit", map[string]string{"job_id": winner})
		return Receipt{JobID: existing.JobID, Status: existing.Status, QueuedAt: existing.QueuedAt, Replayed: true}, nil
	}

	now := time.Now()
	rec := &jobs.Record{
		JobID:          jobID,
		Owner:          owner,
		IdempotencyKey: idempotencyKey,
		Params:         params,
		Status:         jobs.StatusQueued,
		QueuedAt:       now,
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		return Receipt{}, fmt.Errorf("submission: create job %s: %w", jobID, err)
	}

	if err := s.queue.Enqueue(ctx, jobID); err != nil {
		// The record exists but nothing will ever dequeue it: surface this
		// as a failed job rather than leaving it stuck in "queued" forever,
		// matching job_queue.py's enqueue-failure handling.
		_, _ = s.store.UpdateStatus(ctx, jobID, jobs.StatusFailed, func(r *jobs.Record) {
			r.Error = &jobs.JobError{Kind: "EnqueueFailed", Message: err.Error()}
		})
		return Receipt{}, fmt.Errorf("submission: enqueue job %s: %w", jobID, err)
	}

	metrics.JobsSubmittedTotal.Inc()
	metrics.JobsTotal.WithLabelValues(string(jobs.StatusQueued)).Inc()
	telemetry.Event("job_submitted", map[string]string{"job_id": jobID, "owner": logx.Secret(owner)})

	return Receipt{JobID: jobID, Status: jobs.StatusQueued, QueuedAt: now}, nil
}
