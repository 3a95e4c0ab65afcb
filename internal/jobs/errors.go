package jobs

import "errors"

// Sentinel errors shared by the store, submission, cancellation, and worker
// layers. Callers use errors.Is to classify; HTTP handlers map these onto
// the httpx error envelope.
var (
	// ErrNotFound is returned when a job_id has no record (or has expired).
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned by CreateJob when job_id collides.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrCanceled is returned by the engine adapter's Generate when its
	// cancel check reports a pending request, so the worker aborts
	// cooperatively.
	ErrCanceled = errors.New("cancel requested")
	// ErrIllegalTransition is returned when an update would violate the
	// status state machine (spec §4.7).
	ErrIllegalTransition = errors.New("illegal status transition")
)
