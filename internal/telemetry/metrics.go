package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "style_jobs_enqueued_total", Help: "Jobs accepted into the queue"}, []string{"type"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "style_jobs_completed_total", Help: "Jobs that finished successfully"}, []string{"type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "style_jobs_failed_total", Help: "Jobs that ended in failure"}, []string{"type", "reason"})
	UploadsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "style_uploads_rejected_total", Help: "Uploads refused before a job was created"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "style_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsPruned       = prometheus.NewCounter(prometheus.CounterOpts{Name: "style_jobs_pruned_total", Help: "Terminal jobs removed by the janitor"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "style_queue_depth", Help: "Jobs queued or processing"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "style_jobs_inflight", Help: "Jobs currently executing on a worker"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "style_job_duration_seconds",
		Help:    "Wall time from processing start to terminal state",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
	}, []string{"type", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			UploadsRejected,
			RateLimitRejects,
			JobsPruned,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
		)
	})
}
