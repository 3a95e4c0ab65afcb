// Package jobs holds the canonical job record, its public projections, and
// the status state machine shared by the submission, worker, and streaming
// layers.
package jobs

import "time"

// Status is the lifecycle state of a JobRecord.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether status is final and immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// transitions enumerates the state machine in spec §4.7. A transition not
// listed here is rejected by the store's compare-and-set update.
var transitions = map[Status]map[Status]bool{
	StatusQueued:    {StatusRunning: true, StatusCanceled: true, StatusFailed: true},
	StatusRunning:   {StatusCanceling: true, StatusSucceeded: true, StatusFailed: true, StatusCanceled: true},
	StatusCanceling: {StatusCanceled: true, StatusSucceeded: true, StatusFailed: true},
}

// CanTransition reports whether moving from `from` to `to` is legal.
// Terminal states never transition anywhere; re-applying the same terminal
// state to itself is treated as a no-op by callers, not as a transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return transitions[from][to]
}

// Sampler is the fixed set of engine-side samplers a submission may select.
type Sampler string

const (
	SamplerEulerAncestral Sampler = "euler_ancestral"
	SamplerEuler          Sampler = "euler"
	SamplerDPMPP2M        Sampler = "dpmpp_2m"
	SamplerDDIM           Sampler = "ddim"
	SamplerLMS            Sampler = "lms"
)

var validSamplers = map[Sampler]bool{
	SamplerEulerAncestral: true,
	SamplerEuler:          true,
	SamplerDPMPP2M:        true,
	SamplerDDIM:           true,
	SamplerLMS:            true,
}

// ValidSampler reports whether s is one of the fixed enum values.
func ValidSampler(s Sampler) bool { return validSamplers[s] }

// SubmissionParams are the immutable parameters of one generation request
// (spec §6.2).
type SubmissionParams struct {
	Prompt          string  `json:"prompt" validate:"required,min=1,max=5000"`
	NegativePrompt  string  `json:"negative_prompt,omitempty" validate:"max=2000"`
	Width           int     `json:"width" validate:"required,min=64,max=2048"`
	Height          int     `json:"height" validate:"required,min=64,max=2048"`
	Steps           int     `json:"steps" validate:"required,min=1,max=150"`
	CFGScale        float64 `json:"cfg_scale" validate:"required,min=1,max=30"`
	Sampler         Sampler `json:"sampler" validate:"required"`
	Seed            int64   `json:"seed"`
	Model           string  `json:"model" validate:"required"`
	BatchSize       int     `json:"batch_size" validate:"required,min=1,max=4"`
}

// Artifact is one generated image descriptor (spec §3).
type Artifact struct {
	URL    string            `json:"url"`
	Seed   int64             `json:"seed"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Result holds the success payload of a terminal job.
type Result struct {
	Artifacts       []Artifact `json:"artifacts"`
	GenerationTimeS float64    `json:"generation_time_s"`
}

// JobError holds the failure payload of a terminal job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Record is the canonical, mutable state of one submission (spec §3).
type Record struct {
	JobID          string            `json:"job_id"`
	Owner          string            `json:"owner,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Params         SubmissionParams  `json:"params"`
	Status         Status            `json:"status"`
	Progress       float64           `json:"progress"`
	ProgressMsg    string            `json:"progress_message,omitempty"`
	QueuedAt       time.Time         `json:"queued_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Result         *Result           `json:"result,omitempty"`
	Error          *JobError         `json:"error,omitempty"`
	EnginePromptID string            `json:"engine_prompt_id,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation outside the store.
func (r *Record) Clone() *Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Result != nil {
		res := *r.Result
		res.Artifacts = append([]Artifact(nil), r.Result.Artifacts...)
		cp.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// View is the public HTTP projection of a Record (spec §6.3).
type View struct {
	JobID       string            `json:"job_id"`
	Status      Status            `json:"status"`
	Progress    float64           `json:"progress"`
	SubmittedBy string            `json:"submitted_by,omitempty"`
	Params      *SubmissionParams `json:"params,omitempty"`
	Result      *Result           `json:"result,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	Timestamps  ViewTimestamps    `json:"timestamps"`
}

// ViewTimestamps is the timestamps sub-object of View.
type ViewTimestamps struct {
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Project builds the public view of a record. owner is the requester's
// token; params and owner are only included when it matches rec.Owner,
// matching the "present only to owner" rule in spec §6.3.
func Project(rec *Record, owner string) View {
	v := View{
		JobID:    rec.JobID,
		Status:   rec.Status,
		Progress: rec.Progress,
		Result:   rec.Result,
		Error:    rec.Error,
		Timestamps: ViewTimestamps{
			QueuedAt:   rec.QueuedAt,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		},
	}
	if rec.Owner != "" && rec.Owner == owner {
		v.SubmittedBy = rec.Owner
		params := rec.Params
		v.Params = &params
	}
	return v
}
