package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_jobs_created_total", Help: "Jobs enqueued"})
	JobsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_jobs_started_total", Help: "Jobs moved to RUNNING"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_jobs_retried_total", Help: "Failed jobs scheduled for retry"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_jobs_failed_total", Help: "Jobs failed permanently"})
	JobsCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_jobs_cancelled_total", Help: "Jobs cancelled"})
	WebhooksDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_webhooks_delivered_total", Help: "Webhook notifications delivered"})
	WebhooksFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_webhooks_failed_total", Help: "Webhook deliveries that failed"})
	AlertsFired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_alerts_fired_total", Help: "Failure alerts sent"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DispatchBatch     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conveyor_dispatch_batch_size", Help: "Jobs selected in the last dispatch tick"})
	RunningJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conveyor_jobs_running", Help: "Jobs currently executing in this dispatcher"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsStarted,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			WebhooksDelivered,
			WebhooksFailed,
			AlertsFired,
			RateLimitRejects,
			DispatchBatch,
			RunningJobs,
		)
	})
	return promhttp.Handler()
}
