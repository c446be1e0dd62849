package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_submitted_total", Help: "Jobs accepted into the queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_completed_total", Help: "Jobs finished with result images"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_failed_total", Help: "Jobs that ended in failure"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_cancelled_total", Help: "Jobs cancelled before completion"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	PendingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_pending", Help: "Jobs waiting for the processing slot"})
	ProcessingGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_processing", Help: "Jobs currently occupying the processing slot (0 or 1)"})
	ConnectionState  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_connection_state", Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 error"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			RateLimitRejects,
			PendingGauge,
			ProcessingGauge,
			ConnectionState,
		)
	})
	return promhttp.Handler()
}
