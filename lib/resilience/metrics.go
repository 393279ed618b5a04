package resilience

import (
	"github.com/acuray/console/lib/metrics"
)

// Circuit breaker metrics for Prometheus exposition.
var (
	// CircuitBreakerState tracks the current state of each circuit breaker.
	// 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = metrics.NewGauge(
		"console_circuit_breaker_state",
		"Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
	)

	// CircuitBreakerTrips counts the number of times circuits have opened.
	CircuitBreakerTrips = metrics.NewCounter(
		"console_circuit_breaker_trips_total",
		"Total number of times circuit breakers have opened",
	)

	// CircuitBreakerRejections counts requests rejected by open circuits.
	CircuitBreakerRejections = metrics.NewCounter(
		"console_circuit_breaker_rejections_total",
		"Total establishment attempts rejected by open circuit breakers",
	)
)

// MetricsCallback is a state change callback that updates metrics.
// Use this with SetStateChangeCallback to automatically track transitions.
func MetricsCallback(from, to CircuitState) {
	CircuitBreakerState.Set(int64(to))
	if to == CircuitOpen {
		CircuitBreakerTrips.Inc()
	}
}
