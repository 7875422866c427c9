// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus instruments shared across
// the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spotd_circuit_breaker_state",
		Help: "Circuit breaker state by component (active state has value 1)",
	}, []string{"component", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotd_circuit_breaker_trips_total",
		Help: "Total circuit breaker transitions to the open state",
	}, []string{"component", "reason"})

	leaseOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotd_lease_operations_total",
		Help: "Lease manager operations by kind and outcome",
	}, []string{"op", "outcome"})

	bookings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotd_bookings_total",
		Help: "Booking attempts by path and terminal outcome",
	}, []string{"path", "outcome"})

	refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotd_refunds_total",
		Help: "Refund attempts by outcome",
	}, []string{"outcome"})

	emissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotd_realtime_emissions_total",
		Help: "spot_update deliveries by channel (redis or db_fallback)",
	}, []string{"channel"})

	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spotd_realtime_connections",
		Help: "Currently attached realtime connections on this instance",
	})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	circuitBreakerTrips.WithLabelValues(component, reason).Inc()
}

// RecordLeaseOp counts one lease manager operation.
func RecordLeaseOp(op, outcome string) {
	leaseOps.WithLabelValues(op, outcome).Inc()
}

// RecordBooking counts one booking attempt reaching a terminal outcome.
func RecordBooking(path, outcome string) {
	bookings.WithLabelValues(path, outcome).Inc()
}

// RecordRefund counts one refund attempt.
func RecordRefund(outcome string) {
	refunds.WithLabelValues(outcome).Inc()
}

// RecordEmission counts one spot_update delivery to a subscriber.
func RecordEmission(channel string) {
	emissions.WithLabelValues(channel).Inc()
}

// SetConnections records the realtime connection count.
func SetConnections(n int) {
	connections.Set(float64(n))
}
