// SPDX-License-Identifier: MIT

// Package resilience tracks coordination-cache health and drives the
// leased-vs-direct path decision in the booking coordinator.
package resilience

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/metrics"
)

// State is the breaker position. Unlike a classic request breaker this
// one has no half-open probe window; the recovery probe is the only
// actor allowed to restore it.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateHealthy {
		return "closed"
	}
	return "open"
}

// Breaker is a process-wide cache-health flag. Trip and Restore are
// idempotent; readers use the lock-free Healthy check on every attempt.
type Breaker struct {
	name   string
	state  atomic.Int32
	logger zerolog.Logger
}

// NewBreaker creates a breaker starting in the healthy state.
func NewBreaker(name string, logger zerolog.Logger) *Breaker {
	b := &Breaker{name: name, logger: logger}
	metrics.SetCircuitBreakerState(name, StateHealthy.String())
	return b
}

// Healthy reports whether the cache may be consulted.
func (b *Breaker) Healthy() bool {
	return State(b.state.Load()) == StateHealthy
}

// Trip moves the breaker to degraded. Safe to call from any goroutine
// observing a cache connection failure.
func (b *Breaker) Trip(reason string) {
	if b.state.CompareAndSwap(int32(StateHealthy), int32(StateDegraded)) {
		metrics.SetCircuitBreakerState(b.name, StateDegraded.String())
		metrics.RecordCircuitBreakerTrip(b.name, reason)
		b.logger.Warn().Str("reason", reason).Msg("cache breaker opened, degrading to direct path")
	}
}

// Restore moves the breaker back to healthy after a successful probe.
func (b *Breaker) Restore() {
	if b.state.CompareAndSwap(int32(StateDegraded), int32(StateHealthy)) {
		metrics.SetCircuitBreakerState(b.name, StateHealthy.String())
		b.logger.Info().Msg("cache breaker closed, leased path restored")
	}
}
