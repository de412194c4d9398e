// Package metrics provides Prometheus instrumentation for the admission
// gateway. All metric collectors are registered via Init at startup and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// AdmissionDecisions counts decisions by component (limiter, breaker,
	// pipeline) and outcome (admit, reject, deny, error).
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Total admission decisions by component and outcome",
		},
		[]string{"component", "decision"},
	)

	// RateLimitHits counts sliding-window rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// CircuitBreakerState reports the current state per target
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by target and edge.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"target", "from", "to"},
	)

	// RetryAttempts counts retry attempts beyond the first try, by target.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"target"},
	)

	// RetryExhausted counts calls that consumed the whole retry budget.
	RetryExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_exhausted_total",
			Help: "Total calls failed after exhausting the retry budget",
		},
		[]string{"target"},
	)

	// PanicsRecovered counts handler panics turned into 500 responses.
	PanicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_panics_recovered_total",
			Help: "Total panics recovered in the handler stack",
		},
	)

	// StoreErrors counts state store failures by operation.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_errors_total",
			Help: "Total state store failures",
		},
		[]string{"operation"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AdmissionDecisions,
		RateLimitHits,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		RetryAttempts,
		RetryExhausted,
		PanicsRecovered,
		StoreErrors,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
