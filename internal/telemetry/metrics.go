package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_jobs_enqueued_total", Help: "Jobs accepted onto the work queue"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_jobs_failed_total", Help: "Jobs that reached failed"})
	JobsCanceled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_jobs_canceled_total", Help: "Jobs canceled before completion"})
	GPUMinutes        = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_gpu_minutes_total", Help: "Training wall-clock minutes across all jobs"})
	AnomalousEvents   = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_anomalous_events_total", Help: "Status events discarded as illegal or orphaned"})
	WebhookDelivered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_webhooks_delivered_total", Help: "Webhook notifications delivered"})
	WebhookRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_webhook_retries_total", Help: "Webhook delivery retries scheduled"})
	WebhookAbandoned  = prometheus.NewCounter(prometheus.CounterOpts{Name: "photomesh_webhooks_abandoned_total", Help: "Webhook notifications abandoned after max attempts"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "photomesh_queue_depth", Help: "Pending descriptors per lane"}, []string{"lane"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photomesh_jobs_inflight", Help: "Jobs currently held by workers"})
	StatusStreamDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photomesh_status_stream_depth", Help: "Status events waiting for the relay"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsCanceled,
			GPUMinutes,
			AnomalousEvents,
			WebhookDelivered,
			WebhookRetries,
			WebhookAbandoned,
			QueueDepthGauge,
			InFlightGauge,
			StatusStreamDepth,
		)
	})
	return promhttp.Handler()
}
