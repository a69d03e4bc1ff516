package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_jobs_enqueued_total", Help: "Conversation jobs enqueued by type and priority"}, []string{"type", "priority"})
	DuplicateEnqueues  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_duplicate_total", Help: "Enqueue attempts rejected as duplicate job ids"})
	RateLimitWaits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_dispatch_rate_limit_waits_total", Help: "Dequeues held back by the dispatch rate limit"})
	IngressRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_ingress_rate_limit_rejects_total", Help: "Requests rejected by the ingress rate limiter"})
	WorkerSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_jobs_completed_total", Help: "Jobs completed by outcome"}, []string{"outcome"})
	WorkerFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_retried_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	SendRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_send_retries_total", Help: "Upstream send attempts retried inside a job"})
	Fallbacks          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_fallbacks_total", Help: "Fallback contact payloads returned by cause"}, []string{"cause"})
	MigrationDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_migration_decisions_total", Help: "Pipeline routing decisions"}, []string{"pipeline"})
	LegacyFallbacks    = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_legacy_fallbacks_total", Help: "Requests that fell back to the legacy pipeline after an enqueue failure"})
	WebhookSkipped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_webhook_skipped_total", Help: "Webhook deliveries ignored by reason"}, []string{"reason"})
	EventsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_events_dropped_total", Help: "Notifications dropped because the event buffer was full"})

	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_queue_inflight", Help: "Jobs currently leased"})
	DelayedGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_queue_delayed", Help: "Jobs waiting on a delay or retry backoff"})
	BreakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "broker_circuit_state", Help: "Circuit state per upstream (0 closed, 1 half-open, 2 open)"}, []string{"name"})
	SLACompliance     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_sla_compliance_ratio", Help: "Fraction of recent messages delivered under the SLA threshold"})
	SLAP95            = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_sla_p95_ms", Help: "P95 end-to-end latency over the sample window"})

	EndToEndLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_end_to_end_latency_seconds",
		Help:    "Queue add to upstream send latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 30},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateEnqueues,
			RateLimitWaits,
			IngressRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			SendRetries,
			Fallbacks,
			MigrationDecisions,
			LegacyFallbacks,
			WebhookSkipped,
			EventsDropped,
			QueueDepthGauge,
			InFlightGauge,
			DelayedGauge,
			BreakerStateGauge,
			SLACompliance,
			SLAP95,
			EndToEndLatency,
		)
	})
	return promhttp.Handler()
}
