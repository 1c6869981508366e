package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_created_total", Help: "Jobs created via triggers"})
	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_started_total", Help: "Jobs picked up by a worker"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_failed_total", Help: "Jobs that ended failed"})
	JobsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_rejected_total", Help: "Dispatches shed because the worker queue was full"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_inflight", Help: "Jobs currently executing"})
	PagesFetched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_pages_fetched_total", Help: "Provider pagination requests issued"})
	ItemsSynced      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_items_upserted_total", Help: "Posts and comments upserted"})
	TokenRefreshes   = prometheus.NewCounter(prometheus.CounterOpts{Name: "oauth_token_refreshes_total", Help: "Successful provider token refreshes"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "trigger_rate_limit_rejects_total", Help: "Trigger requests rejected by the rate limiter"})
	TicksSkipped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_ticks_skipped_total", Help: "Periodic ticks skipped because the previous run was still going"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			JobsRejected,
			JobsInFlight,
			PagesFetched,
			ItemsSynced,
			TokenRefreshes,
			RateLimitRejects,
			TicksSkipped,
		)
	})
	return promhttp.Handler()
}
