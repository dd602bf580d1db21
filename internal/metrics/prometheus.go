// Package metrics provides Prometheus metrics collection for the
// protection core. It tracks admission decisions, denial reasons,
// component errors, and circuit breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardrail"

// DecisionLatencyBuckets covers the sub-100ms decision budget with
// headroom for degraded paths.
var DecisionLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 1.0,
}

var (
	// DecisionsTotal counts admission decisions by outcome.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total admission decisions by outcome",
		},
		[]string{"outcome"}, // allow, deny, throttle
	)

	// DenialsTotal counts denials by reason.
	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Total denied requests by reason",
		},
		[]string{"reason"},
	)

	// DecisionLatency tracks the full decision pipeline latency.
	DecisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_seconds",
			Help:      "Admission decision latency in seconds",
			Buckets:   DecisionLatencyBuckets,
		},
	)

	// ComponentErrors counts unexpected component failures caught at the
	// coordinator boundary.
	ComponentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_errors_total",
			Help:      "Unexpected component errors swallowed by fail-open",
		},
		[]string{"component"},
	)

	// RateLimitBackendErrors counts Redis failures in the rate limiter,
	// labeled by the fallback action taken.
	RateLimitBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_backend_errors_total",
			Help:      "Rate limiter backend errors by action taken",
		},
		[]string{"action"}, // fallback, deny
	)

	// DedupHits counts suppressed duplicate requests.
	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Duplicate requests suppressed",
		},
		[]string{"endpoint_class", "served"}, // served: cached, notice
	)

	// CircuitBreakerState tracks circuit state per endpoint.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 0.5=half-open, 1=open)",
		},
		[]string{"endpoint"},
	)

	// CircuitTransitions counts state transitions per endpoint.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"endpoint", "from", "to"},
	)

	// ReputationLevel tracks the current reputation level distribution.
	ReputationLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reputation_clients",
			Help:      "Cached clients per reputation level",
		},
		[]string{"level"},
	)

	// AnomalyScore observes combined anomaly scores.
	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Combined anomaly score distribution",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// EmergencyShutdowns counts forced timeout cancellations.
	EmergencyShutdowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_shutdowns_total",
			Help:      "Forced cancellations by the timeout watchdog",
		},
	)

	// SystemHealthScore is the aggregate backend health used by the
	// adaptive thresholds.
	SystemHealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_health_score",
			Help:      "Aggregate backend health score (0.0-1.0)",
		},
	)

	// ActiveProfiles tracks live behavior profiles.
	ActiveProfiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_behavior_profiles",
			Help:      "Behavior profiles currently held in memory",
		},
	)
)
