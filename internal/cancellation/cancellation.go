// Package cancellation is the Cancellation Service (C6), a direct
// generalization of job_queue.py's cancel_job: a queued job is canceled
// immediately, a running job gets its cancel flag set and moves to
// "canceling" for the worker to observe at its next checkpoint, and a
// terminal job is left untouched.
package cancellation

import (
	"context"
	"fmt"

	"imageforge/internal/jobs"
	"imageforge/internal/metrics"
	"imageforge/internal/store"
	"imageforge/internal/telemetry"
)

// Service is the Cancellation Service.
type Service struct {
	store *store.Store
}

// New builds a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Cancel requests cancellation of jobID. It returns the job's status after
// the request was applied. Canceling a job that is already terminal is not
// an error: it simply returns the existing terminal status unchanged
// (spec §4.5).
func (s *Service) Cancel(ctx context.Context, jobID string) (jobs.Status, error) {
	rec, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	switch rec.Status {
	case jobs.StatusQueued:
		updated, err := s.store.UpdateStatus(ctx, jobID, jobs.StatusCanceled, nil)
		if err != nil {
			return "", fmt.Errorf("cancellation: cancel queued job %s: %w", jobID, err)
		}
		metrics.JobsTotal.WithLabelValues(string(jobs.StatusCanceled)).Inc()
		telemetry.Event("job_canceled", map[string]string{"job_id": jobID, "was": "queued"})
		return updated.Status, nil

	case jobs.StatusRunning:
		if err := s.store.SetCancelFlag(ctx, jobID); err != nil {
			return "", fmt.Errorf("cancellation: set cancel flag %s: %w", jobID, err)
		}
		updated, err := s.store.UpdateStatus(ctx, jobID, jobs.StatusCanceling, nil)
		if err != nil {
			return "", fmt.Errorf("cancellation: mark canceling %s: %w", jobID, err)
		}
		telemetry.Event("job_cancel_requested", map[string]string{"job_id": jobID, "was": "running"})
		return updated.Status, nil

	case jobs.StatusCanceling:
		return rec.Status, nil

	default:
		// Already terminal: nothing to do.
		return rec.Status, nil
	}
}
