package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Request flow through the processing pipeline
//   - Intent classification outcomes and confidence
//   - Agent dispatch latency and failure modes
//   - LLM request performance and cache effectiveness
//   - Session lifecycle (created, evicted, expired)
//   - Rate limiter admissions, rejections, and backend fallbacks
type Metrics struct {
	// RequestCounter counts processed requests.
	// Labels: intent, outcome (ok|error)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency in seconds.
	// Labels: intent
	RequestDuration *prometheus.HistogramVec

	// ClassificationCounter counts classification results.
	// Labels: intent, gated (true when the confidence gate overrode the intent)
	ClassificationCounter *prometheus.CounterVec

	// AgentDispatchDuration measures downstream agent latency in seconds.
	// Labels: intent, endpoint
	AgentDispatchDuration *prometheus.HistogramVec

	// AgentDispatchErrors counts dispatch failures.
	// Labels: intent, kind (no_agent|timeout|unavailable|routing)
	AgentDispatchErrors *prometheus.CounterVec

	// LLMRequestDuration measures text-generation latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMCacheCounter counts LLM cache lookups.
	// Labels: result (hit|miss)
	LLMCacheCounter *prometheus.CounterVec

	// SessionCounter counts session lifecycle events.
	// Labels: event (created|evicted|expired|swept)
	SessionCounter *prometheus.CounterVec

	// ActiveSessions gauges the number of live sessions.
	ActiveSessions prometheus.Gauge

	// RateLimitCounter counts admission decisions.
	// Labels: decision (allowed|rejected|fallback)
	RateLimitCounter *prometheus.CounterVec

	// SecurityViolations counts denylist matches on inbound messages.
	SecurityViolations prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests should
// pass a fresh registry to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_requests_total",
				Help: "Total number of processed requests by intent and outcome",
			},
			[]string{"intent", "outcome"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_request_duration_seconds",
				Help:    "End-to-end request processing latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"intent"},
		),

		ClassificationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_classifications_total",
				Help: "Intent classification results by intent and gating",
			},
			[]string{"intent", "gated"},
		),

		AgentDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_agent_dispatch_duration_seconds",
				Help:    "Downstream agent dispatch latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"intent", "endpoint"},
		),

		AgentDispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_agent_dispatch_errors_total",
				Help: "Agent dispatch failures by intent and failure kind",
			},
			[]string{"intent", "kind"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_request_duration_seconds",
				Help:    "Text generation request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMCacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_cache_total",
				Help: "LLM response cache lookups by result",
			},
			[]string{"result"},
		),

		SessionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_sessions_total",
				Help: "Session lifecycle events",
			},
			[]string{"event"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_sessions",
				Help: "Current number of live sessions",
			},
		),

		RateLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_rate_limit_decisions_total",
				Help: "Rate limiter admission decisions",
			},
			[]string{"decision"},
		),

		SecurityViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_security_violations_total",
				Help: "Inbound messages rejected by the security denylist",
			},
		),
	}
}
