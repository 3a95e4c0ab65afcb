// Package metrics registers the Prometheus collectors exposed on GET
// /metrics, grounded on the job-worker instrumentation pattern used by the
// retrieval pack's queue/worker examples (prometheus.Counter/Histogram
// around claim/done/failed/retried counts and stage latency).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageforge_jobs_submitted_total",
		Help: "Total submissions accepted by the Submission Service.",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_jobs_total",
		Help: "Total jobs reaching a terminal status, by status.",
	}, []string{"status"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageforge_queue_depth",
		Help: "Number of job_ids waiting in the queue, as of the last /health check.",
	})

	WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageforge_worker_active_slots",
		Help: "Number of worker pool slots currently executing a job.",
	})

	EngineLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imageforge_engine_generate_seconds",
		Help:    "Wall-clock time of Engine Adapter Generate calls.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600, 1200},
	})

	ArtifactUploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_artifact_upload_total",
		Help: "Object store PutBytes outcomes, by result.",
	}, []string{"result"})

	APIErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageforge_api_errors_total",
		Help: "HTTP API error responses, by status code.",
	}, []string{"status", "code"})

	RecoveredOrphansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageforge_recovered_orphans_total",
		Help: "In-progress jobs reclaimed by the startup recovery sweep.",
	})
)
