// Package metrics registers the Prometheus metrics this gateway exposes.
// Import this package (via blank import, or directly since cmd/autorouter
// calls RecordCircuitBreakerState) from the server entry point to register
// all metrics before the /metrics handler is mounted. Label sets are keyed
// on upstream ID and route capability rather than the teacher's
// provider/model pair, since AutoRouter's unit of routing is an upstream,
// not a named provider SDK client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/autorouter/autorouter/internal/domain"
)

var (
	// RequestsTotal counts completed requests labelled by upstream,
	// capability, and outcome ("success", "failover", "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_requests_total",
			Help: "Total number of requests processed, by upstream, capability, and outcome.",
		},
		[]string{"upstream", "capability", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autorouter_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream", "capability"},
	)

	// TokensTotal counts billed tokens by upstream and direction
	// ("prompt", "completion", "cache_read", "cache_write").
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_tokens_total",
			Help: "Total tokens processed, by upstream and direction.",
		},
		[]string{"upstream", "direction"},
	)

	// SpendTotal counts billed cost in USD, by upstream.
	SpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_spend_total",
			Help: "Total billed cost in USD, by upstream.",
		},
		[]string{"upstream"},
	)

	// FailoverAttemptsTotal counts failoverable attempts by upstream and
	// error type, incremented once per entry the failover loop adds to a
	// request's history.
	FailoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_failover_attempts_total",
			Help: "Total failoverable attempts, by upstream and error type.",
		},
		[]string{"upstream", "error_type"},
	)

	// CircuitBreakerState tracks per-upstream circuit breaker state as a
	// gauge: 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorouter_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed 1=open 2=half_open).",
		},
		[]string{"upstream"},
	)

	// QuotaExceededTotal counts requests filtered out of candidate
	// selection because an upstream's spending quota was exceeded.
	QuotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorouter_quota_exceeded_total",
			Help: "Total candidate-selection exclusions due to exceeded spending quota, by upstream.",
		},
		[]string{"upstream"},
	)
)

// circuitStateValue maps a CBState onto CircuitBreakerState's gauge
// encoding (0=closed 1=open 2=half_open).
func circuitStateValue(state domain.CBState) float64 {
	switch state {
	case domain.CBOpen:
		return 1
	case domain.CBHalfOpen:
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerState sets the CircuitBreakerState gauge for one
// upstream. cmd/autorouter's proxy handler calls it for each active
// upstream on every proxied request, so the exported gauge tracks the
// breaker's state as of the most recent request.
func RecordCircuitBreakerState(upstreamID string, state domain.CBState) {
	CircuitBreakerState.WithLabelValues(upstreamID).Set(circuitStateValue(state))
}
