// Package metrics wires the listener engine's internal counters and
// histograms to Prometheus. It is ambient infrastructure, not part of the
// core's domain logic: every exported function degrades gracefully (no-ops
// aren't needed because prometheus counters are always safe to create and
// increment even with no scrape endpoint registered).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the metrics the listener engine publishes. Construct one
// per process and pass it to pipeline.Pipeline, ack.Manager, and the
// concurrency controllers.
type Registry struct {
	MessagesStarted    *prometheus.CounterVec
	MessagesFinished   *prometheus.CounterVec
	PoisonousDetected  prometheus.Counter
	ProcessingDuration *prometheus.HistogramVec
	AckPendingDepth    prometheus.Gauge
	ControllerWait     *prometheus.HistogramVec
}

// NewRegistry creates and registers the engine's metrics on reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		MessagesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgoutbox",
			Name:      "messages_started_total",
			Help:      "Number of handler invocations started, labeled by aggregate_type and message_type.",
		}, []string{"aggregate_type", "message_type"}),
		MessagesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgoutbox",
			Name:      "messages_finished_total",
			Help:      "Number of handler invocations finished, labeled by outcome (success, retry, giveup).",
		}, []string{"outcome"}),
		PoisonousDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgoutbox",
			Name:      "poisonous_messages_total",
			Help:      "Number of messages abandoned by the poisonous-message guard.",
		}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgoutbox",
			Name:      "processing_duration_seconds",
			Help:      "Handler invocation duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"aggregate_type", "message_type"}),
		AckPendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgoutbox",
			Name:      "ack_pending_lsns",
			Help:      "Number of finished LSNs waiting on an earlier in-flight LSN before they can be acknowledged.",
		}),
		ControllerWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgoutbox",
			Name:      "controller_acquire_wait_seconds",
			Help:      "Time spent waiting on a concurrency controller's acquire call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	reg.MustRegister(r.MessagesStarted, r.MessagesFinished, r.PoisonousDetected,
		r.ProcessingDuration, r.AckPendingDepth, r.ControllerWait)
	return r
}

// Noop returns a Registry whose collectors are created but never registered
// anywhere, for callers (tests, library use without a scrape endpoint) that
// want the instrumentation calls to be safe without a Prometheus registry.
func Noop() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
