// Package metrics holds every Prometheus collector named across the
// fabric (spec.md §4), registered once at process start and passed by
// reference into whichever component increments it. Grounded on the
// example pack's prometheus/client_golang usage (promauto registration
// against the default registry, Handler mounted on an HTTP mux).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector the fabric's components share. A single
// instance should be constructed at startup and threaded through
// component constructors, mirroring how *config.Config is threaded.
type Registry struct {
	SchedulerLastTickTS   prometheus.Gauge
	SchedulerLockHeld     prometheus.Gauge
	ParserJobsDispatched  *prometheus.CounterVec // labels: mode
	ParserQuietReason     *prometheus.CounterVec // labels: reason

	StreamPublished   *prometheus.CounterVec // labels: stream
	StreamConsumed    *prometheus.CounterVec // labels: stream, consumer_group
	StreamDLQRouted   *prometheus.CounterVec // labels: stream, error_class

	TaggingRequests    *prometheus.CounterVec // labels: outcome
	EnrichmentRequests *prometheus.CounterVec // labels: outcome
	VisionRequests     *prometheus.CounterVec // labels: outcome, provider
	IndexingProcessed  *prometheus.CounterVec // labels: status
	TrendSkipReason    *prometheus.CounterVec // labels: reason
	DigestsSent        *prometheus.CounterVec // labels: status

	CircuitBreakerState *prometheus.GaugeVec // labels: provider; 0=closed 1=open 2=half-open

	SupervisorTaskState *prometheus.GaugeVec // labels: task, state
	SupervisorRestarts  *prometheus.CounterVec // labels: task
}

// New builds and registers every collector against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		SchedulerLastTickTS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_last_tick_ts",
			Help: "Unix timestamp of the scheduler's last completed tick.",
		}),
		SchedulerLockHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_lock_held",
			Help: "1 if this instance currently holds the scheduler lock, else 0.",
		}),
		ParserJobsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_jobs_dispatched_total",
			Help: "Parse jobs dispatched by the scheduler, by mode.",
		}, []string{"mode"}),
		ParserQuietReason: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_quiet_threshold_total",
			Help: "Adaptive quiet-threshold inflation applied, by reason.",
		}, []string{"reason"}),
		StreamPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_published_total",
			Help: "Envelopes published, by stream.",
		}, []string{"stream"}),
		StreamConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_consumed_total",
			Help: "Envelopes consumed and acked, by stream and consumer group.",
		}, []string{"stream", "consumer_group"}),
		StreamDLQRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_dlq_routed_total",
			Help: "Envelopes routed to a DLQ, by stream and error class.",
		}, []string{"stream", "error_class"}),
		TaggingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tagging_requests_total",
			Help: "Tagging stage outcomes.",
		}, []string{"outcome"}),
		EnrichmentRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_requests_total",
			Help: "Enrichment stage outcomes.",
		}, []string{"outcome"}),
		VisionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vision_requests_total",
			Help: "Vision stage outcomes, by provider.",
		}, []string{"outcome", "provider"}),
		IndexingProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "indexing_processed_total",
			Help: "Posts processed by the indexing stage, by status.",
		}, []string{"status"}),
		TrendSkipReason: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_skip_total",
			Help: "Trend emission skipped, by failed threshold reason.",
		}, []string{"reason"}),
		DigestsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digests_sent_total",
			Help: "Digest worker outcomes, by status.",
		}, []string{"status"}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Per-provider circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"provider"}),
		SupervisorTaskState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervisor_task_state",
			Help: "1 for the task's current state, by task and state label.",
		}, []string{"task", "state"}),
		SupervisorRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_task_restarts_total",
			Help: "Restarts performed by the supervisor, by task.",
		}, []string{"task"}),
	}
}

// Handler returns the /metrics HTTP handler for gathering from gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
