// Package httpapi wires the Submission, Cancellation, Query, and Progress
// Streamer services onto chi's router, following the teacher's
// internal/handlers.New shape: one constructor returning an http.Handler,
// small per-route closures, a shared middleware chain.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imageforge/internal/cancellation"
	"imageforge/internal/config"
	"imageforge/internal/engineadapter"
	"imageforge/internal/objectstore"
	"imageforge/internal/queue"
	"imageforge/internal/query"
	"imageforge/internal/store"
	"imageforge/internal/streaming"
	"imageforge/internal/submission"
	"imageforge/internal/telemetry"
)

// Services bundles the constructed application services the router
// dispatches to; main.go builds one and passes it to New.
type Services struct {
	Store        *store.Store
	Queue        *queue.Queue
	Engine       *engineadapter.Client
	Objects      *objectstore.Store
	Submission   *submission.Service
	Cancellation *cancellation.Service
	Query        *query.Service
	Streaming    *streaming.Streamer
}

// New builds the full HTTP API: /api/v1/jobs submission/query/cancel,
// /api/v1/jobs/{id}/events streaming, /health, and /metrics.
func New(svc *Services, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(ownerMiddleware)
	r.Use(telemetry.HTTP)
	r.Use(maxBodyMiddleware(cfg.MaxBodyBytes))

	r.Get("/health", healthHandler(svc.Store, svc.Queue, svc.Engine, svc.Objects))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/jobs", func(jr chi.Router) {
		jr.With(rateLimitMiddleware(cfg.RateLimitPerSec, cfg.RateLimitBurst)).
			Post("/", submitJobHandler(svc.Submission))
		jr.Get("/{id}", getJobHandler(svc.Query))
		jr.Delete("/{id}", cancelJobHandler(svc.Cancellation))
		jr.Get("/{id}/events", streamJobHandler(svc.Streaming))
	})

	return r
}
