package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"imageforge/internal/cancellation"
	"imageforge/internal/engineadapter"
	"imageforge/internal/httpx"
	"imageforge/internal/jobs"
	"imageforge/internal/metrics"
	"imageforge/internal/objectstore"
	"imageforge/internal/queue"
	"imageforge/internal/query"
	"imageforge/internal/store"
	"imageforge/internal/streaming"
	"imageforge/internal/submission"
)

type submitRequest struct {
	jobs.SubmissionParams
}

type submitResponse struct {
	JobID        string      `json:"job_id"`
	Status       jobs.Status `json:"status"`
	QueuedAt     string      `json:"queued_at"`
	LocationHint string      `json:"location"`
}

func submitJobHandler(svc *submission.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid json"))
			return
		}

		owner := ownerOf(r)
		explicitKey := r.Header.Get("Idempotency-Key")

		receipt, err := svc.Submit(r.Context(), owner, req.SubmissionParams, explicitKey)
		if err != nil {
			writeSubmitError(w, r, err)
			return
		}

		resp := submitResponse{
			JobID:        receipt.JobID,
			Status:       receipt.Status,
			QueuedAt:     receipt.QueuedAt.UTC().Format(jobTimeFormat),
			LocationHint: "/api/v1/jobs/" + receipt.JobID,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(resp)
	}
}

const jobTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		httpx.Write(w, r, httpx.BadRequest("validation failed").WithDetails(fields))
		return
	}
	httpx.Write(w, r, httpx.BadRequest(err.Error()))
}

func getJobHandler(svc *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		view, err := svc.GetJobView(r.Context(), jobID, ownerOf(r))
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				httpx.Write(w, r, httpx.NotFound("job not found"))
				return
			}
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(view)
	}
}

type cancelResponse struct {
	JobID   string      `json:"job_id"`
	Status  jobs.Status `json:"status"`
	Message string      `json:"message"`
}

func cancelJobHandler(svc *cancellation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		status, err := svc.Cancel(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				httpx.Write(w, r, httpx.NotFound("job not found"))
				return
			}
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(cancelResponse{
			JobID:   jobID,
			Status:  status,
			Message: "cancellation requested",
		})
	}
}

func streamJobHandler(streamer *streaming.Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if err := streamer.Stream(w, r, jobID, ownerOf(r)); err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				httpx.Write(w, r, httpx.NotFound("job not found"))
				return
			}
			log.Info().Str("request_id", requestID(r)).Str("job_id", jobID).Err(err).Msg("stream ended")
		}
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	RedisConnected bool   `json:"redis_connected"`
	QueueDepth     int64  `json:"queue_depth"`
	InProgress     int    `json:"in_progress_jobs"`
	Engine         string `json:"engine"`
	ObjectStore    string `json:"object_store"`
}

// healthHandler reports the richer payload job_queue.py's health_check
// produces (spec §4's supplemented health surface): Redis reachability,
// approximate queue depth, the in-progress count, and upstream collaborator
// health, instead of spec.md §6.1's minimal {status, engine, store, queue}.
func healthHandler(st *store.Store, q *queue.Queue, engine *engineadapter.Client, objects *objectstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Engine: "ok", ObjectStore: "ok"}

		if err := st.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.RedisConnected = false
		} else {
			resp.RedisConnected = true
		}

		if depth, err := q.Depth(r.Context()); err == nil {
			resp.QueueDepth = depth
			metrics.QueueDepth.Set(float64(depth))
		}
		if inProgress, err := st.ListInProgress(r.Context()); err == nil {
			resp.InProgress = len(inProgress)
		}

		if err := engine.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Engine = "unavailable"
		}
		if err := objects.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.ObjectStore = "unavailable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
