// Package worker is the Worker Runtime (C7): a bounded pool of goroutines
// that claim jobs from the Queue Driver and run them end to end -- engine
// generation, artifact upload, terminal state write -- plus the startup
// recovery sweep for jobs orphaned by a crashed worker (spec §4.8).
//
// The per-slot claim loop generalizes the teacher's worker()/runJob()
// goroutine pair (internal/handlers/jobs.go) from an in-process channel to
// the durable Queue Driver, and the terminal-state bookkeeping follows
// job_queue.py/redis_client.py's update_job_status contract.
package worker

import (
	"context"
	"fmt"
	"time"

	"imageforge/internal/config"
	"imageforge/internal/engineadapter"
	"imageforge/internal/jobs"
	"imageforge/internal/metrics"
	"imageforge/internal/objectstore"
	"imageforge/internal/queue"
	"imageforge/internal/store"
	"imageforge/internal/telemetry"
)

// Runtime is the Worker Runtime.
type Runtime struct {
	store   *store.Store
	queue   *queue.Queue
	engine  *engineadapter.Client
	objects *objectstore.Store

	poolSize          int
	dequeueTimeout    time.Duration
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	publishCoalesce   time.Duration
	urlTTL            time.Duration
	reapInterval      time.Duration
	engineTimeout     time.Duration
	recoveryPolicy    config.RecoveryPolicy
}

// New builds a Runtime from cfg and its collaborators.
func New(st *store.Store, q *queue.Queue, engine *engineadapter.Client, objects *objectstore.Store, cfg *config.Config) *Runtime {
	return &Runtime{
		store:             st,
		queue:             q,
		engine:            engine,
		objects:           objects,
		poolSize:          cfg.WorkerPoolSize,
		dequeueTimeout:    cfg.DequeueTimeout,
		visibilityTimeout: cfg.VisibilityTimeout,
		pollInterval:      2 * time.Second,
		publishCoalesce:   cfg.PublishCoalesce,
		urlTTL:            cfg.URLTTL,
		reapInterval:      cfg.ReapInterval,
		engineTimeout:     cfg.EngineTimeout,
		recoveryPolicy:    cfg.RecoveryPolicy,
	}
}

// Run launches the worker pool and the reaper loop. It blocks until ctx is
// canceled and the reaper loop has stopped; it does not wait for the pool's
// slots to finish the jobs they are processing.
func (r *Runtime) Run(ctx context.Context) {
	if err := r.RecoverOrphans(ctx); err != nil {
		telemetry.Event("worker_recovery_error", map[string]string{"error": err.Error()})
	}

	done := make(chan struct{})
	go func() {
		r.reapLoop(ctx)
		close(done)
	}()

	slots := make(chan struct{}, r.poolSize)
	for i := 0; i < r.poolSize; i++ {
		go r.slot(ctx, slots)
	}

	<-ctx.Done()
	<-done
}

func (r *Runtime) slot(ctx context.Context, slots chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := r.queue.Dequeue(ctx, r.dequeueTimeout, r.visibilityTimeout)
		if err == queue.ErrEmpty {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			telemetry.Event("worker_dequeue_error", map[string]string{"error": err.Error()})
			time.Sleep(time.Second)
			continue
		}

		slots <- struct{}{}
		metrics.WorkerActive.Set(float64(len(slots)))
		r.process(ctx, jobID)
		<-slots
		metrics.WorkerActive.Set(float64(len(slots)))
	}
}

// process runs one job to completion. Errors are handled internally: every
// path attempts a terminal write (unless the record is missing or already
// terminal) and acks the claim before process returns; it never requeues.
func (r *Runtime) process(ctx context.Context, jobID string) {
	rec, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		telemetry.Event("worker_job_missing", map[string]string{"job_id": jobID, "error": err.Error()})
		_ = r.queue.Ack(ctx, jobID)
		return
	}
	if rec.Status.Terminal() {
		// Canceled or otherwise resolved by another path before we claimed
		// it (spec §4.5): nothing left to do.
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	if err := r.store.MarkInProgress(ctx, jobID); err != nil {
		telemetry.Event("worker_mark_inprogress_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
	defer func() {
		if err := r.store.UnmarkInProgress(ctx, jobID); err != nil {
			telemetry.Event("worker_unmark_inprogress_error", map[string]string{"job_id": jobID, "error": err.Error()})
		}
	}()

	if requested, _ := r.store.IsCancelRequested(ctx, jobID); requested {
		r.finishCanceled(ctx, jobID)
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	if _, err := r.store.UpdateStatus(ctx, jobID, jobs.StatusRunning, nil); err != nil {
		telemetry.Event("worker_transition_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
	r.publish(ctx, jobID, jobs.Event{Type: jobs.EventStatus, Status: jobs.StatusRunning})

	lastPublish := time.Time{}
	onProgress := func(progress float64, message string) {
		now := time.Now()
		if now.Sub(lastPublish) < r.publishCoalesce && progress < 1.0 {
			return
		}
		lastPublish = now
		_, _ = r.store.Mutate(ctx, jobID, func(rec *jobs.Record) error {
			rec.Progress = progress
			rec.ProgressMsg = message
			return nil
		})
		r.publish(ctx, jobID, jobs.Event{Type: jobs.EventProgress, Progress: progress, Message: message})
	}
	isCanceled := func() bool {
		requested, err := r.store.IsCancelRequested(ctx, jobID)
		return err == nil && requested
	}

	engineCtx := ctx
	if r.engineTimeout > 0 {
		var cancel context.CancelFunc
		engineCtx, cancel = context.WithTimeout(ctx, r.engineTimeout)
		defer cancel()
	}
	result, promptID, err := r.engine.Generate(engineCtx, rec.Params, r.pollInterval, onProgress, isCanceled)
	if promptID != "" {
		_, _ = r.store.Mutate(ctx, jobID, func(rec *jobs.Record) error {
			rec.EnginePromptID = promptID
			return nil
		})
	}

	switch {
	case err == jobs.ErrCanceled:
		r.finishCanceled(ctx, jobID)
		_ = r.queue.Ack(ctx, jobID)
		return
	case err != nil:
		r.finishFailed(ctx, jobID, err)
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	result = r.persistArtifacts(ctx, jobID, result)
	if len(result.Artifacts) == 0 {
		r.finishFailed(ctx, jobID, fmt.Errorf("worker: all artifact uploads failed for job %s", jobID))
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	if _, err := r.store.UpdateStatus(ctx, jobID, jobs.StatusSucceeded, func(rec *jobs.Record) {
		rec.Result = result
		rec.Progress = 1.0
	}); err != nil {
		if err == jobs.ErrIllegalTransition {
			// Lost the terminal-write race -- another path (cancellation, a
			// duplicate delivery) already finalized this job. Discard our
			// result rather than emit a contradictory done event (spec
			// §4.7 step 10).
			telemetry.Event("worker_terminal_write_lost", map[string]string{"job_id": jobID, "to": string(jobs.StatusSucceeded)})
			_ = r.queue.Ack(ctx, jobID)
			return
		}
		telemetry.Event("worker_finish_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
	metrics.JobsTotal.WithLabelValues(string(jobs.StatusSucceeded)).Inc()
	r.publish(ctx, jobID, jobs.Event{Type: jobs.EventDone, Status: jobs.StatusSucceeded, Result: result})
	_ = r.store.ClearCancelFlag(ctx, jobID)
	_ = r.queue.Ack(ctx, jobID)
}

// persistArtifacts fetches each engine-side artifact and re-uploads it to
// object storage, replacing the engine's transient ref with a presigned
// URL. An artifact whose fetch or upload fails is dropped rather than
// failing the whole job, so a job with at least one successful artifact
// still succeeds (spec §4.2's partial-success rule).
func (r *Runtime) persistArtifacts(ctx context.Context, jobID string, result *jobs.Result) *jobs.Result {
	if result == nil {
		return &jobs.Result{}
	}
	persisted := make([]jobs.Artifact, 0, len(result.Artifacts))
	for i, art := range result.Artifacts {
		data, err := r.engine.FetchArtifact(ctx, art.URL)
		if err != nil {
			telemetry.Event("worker_artifact_fetch_error", map[string]string{"job_id": jobID, "error": err.Error()})
			metrics.ArtifactUploadTotal.WithLabelValues("fetch_error").Inc()
			continue
		}
		key := fmt.Sprintf("jobs/%s/artifact_%d.png", jobID, i)
		if err := r.objects.PutBytes(ctx, key, data, "image/png"); err != nil {
			telemetry.Event("worker_artifact_upload_error", map[string]string{"job_id": jobID, "error": err.Error()})
			continue
		}
		url, err := r.objects.PresignGet(ctx, key, int64(r.urlTTL.Seconds()))
		if err != nil {
			telemetry.Event("worker_artifact_presign_error", map[string]string{"job_id": jobID, "error": err.Error()})
			continue
		}
		art.URL = url
		persisted = append(persisted, art)
		r.publish(ctx, jobID, jobs.Event{Type: jobs.EventArtifact, URL: url})
	}
	result.Artifacts = persisted

	metaKey := fmt.Sprintf("jobs/%s/metadata.json", jobID)
	if err := r.objects.PutJSON(ctx, metaKey, result); err != nil {
		telemetry.Event("worker_metadata_upload_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
	return result
}

func (r *Runtime) finishFailed(ctx context.Context, jobID string, cause error) {
	kind := "EngineError"
	if ee, ok := cause.(*engineadapter.Error); ok {
		switch ee.Kind {
		case engineadapter.KindTimeout:
			kind = "EngineUnavailable"
		case engineadapter.KindUnavailable:
			kind = "EngineUnavailable"
		}
	}
	if _, err := r.store.UpdateStatus(ctx, jobID, jobs.StatusFailed, func(rec *jobs.Record) {
		rec.Error = &jobs.JobError{Kind: kind, Message: cause.Error()}
	}); err != nil {
		if err == jobs.ErrIllegalTransition {
			telemetry.Event("worker_terminal_write_lost", map[string]string{"job_id": jobID, "to": string(jobs.StatusFailed)})
			return
		}
		telemetry.Event("worker_finish_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
	metrics.JobsTotal.WithLabelValues(string(jobs.StatusFailed)).Inc()
	r.publish(ctx, jobID, jobs.Event{Type: jobs.EventDone, Status: jobs.StatusFailed, Error: &jobs.JobError{Kind: kind, Message: cause.Error()}})
}

func (r *Runtime) finishCanceled(ctx context.Context, jobID string) {
	if _, err := r.store.UpdateStatus(ctx, jobID, jobs.StatusCanceled, nil); err != nil {
		if err == jobs.ErrIllegalTransition {
			telemetry.Event("worker_terminal_write_lost", map[string]string{"job_id": jobID, "to": string(jobs.StatusCanceled)})
			return
		}
		telemetry.Event("worker_finish_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
	metrics.JobsTotal.WithLabelValues(string(jobs.StatusCanceled)).Inc()
	r.publish(ctx, jobID, jobs.Event{Type: jobs.EventDone, Status: jobs.StatusCanceled})
	_ = r.store.ClearCancelFlag(ctx, jobID)
}

func (r *Runtime) publish(ctx context.Context, jobID string, ev jobs.Event) {
	if err := r.store.Publish(ctx, jobID, ev); err != nil {
		telemetry.Event("worker_publish_error", map[string]string{"job_id": jobID, "error": err.Error()})
	}
}

// reapLoop periodically requeues jobs whose visibility timeout expired
// without an ack, the generic recovery path for a worker that stalls or
// dies mid-job (spec §4.8).
func (r *Runtime) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := r.queue.Reap(ctx)
			if err != nil {
				telemetry.Event("worker_reap_error", map[string]string{"error": err.Error()})
				continue
			}
			if len(expired) > 0 {
				metrics.RecoveredOrphansTotal.Add(float64(len(expired)))
				telemetry.Event("worker_reap", map[string]string{"count": fmt.Sprint(len(expired))})
			}
		}
	}
}

// RecoverOrphans runs once at startup: any job_id still marked in-progress
// is either requeued (RecoveryPolicy=requeue) or marked failed
// (RecoveryPolicy=fail), resolving the jobs a crashed process abandoned
// with no in-flight queue claim to expire on its own.
func (r *Runtime) RecoverOrphans(ctx context.Context) error {
	orphans, err := r.store.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("worker: list in-progress: %w", err)
	}
	for _, jobID := range orphans {
		rec, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			_ = r.store.UnmarkInProgress(ctx, jobID)
			continue
		}
		if rec.Status.Terminal() {
			_ = r.store.UnmarkInProgress(ctx, jobID)
			continue
		}

		switch r.recoveryPolicy {
		case config.RecoveryFail:
			_, _ = r.store.UpdateStatus(ctx, jobID, jobs.StatusFailed, func(rec *jobs.Record) {
				rec.Error = &jobs.JobError{Kind: "WorkerCrashed", Message: "worker process restarted mid-job"}
			})
			metrics.JobsTotal.WithLabelValues(string(jobs.StatusFailed)).Inc()
		default: // config.RecoveryRequeue
			if err := r.queue.Enqueue(ctx, jobID); err != nil {
				telemetry.Event("worker_recovery_enqueue_error", map[string]string{"job_id": jobID, "error": err.Error()})
				continue
			}
		}
		_ = r.store.UnmarkInProgress(ctx, jobID)
		metrics.RecoveredOrphansTotal.Inc()
		telemetry.Event("worker_recovered_orphan", map[string]string{"job_id": jobID, "policy": string(r.recoveryPolicy)})
	}
	return nil
}
