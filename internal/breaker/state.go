// Package breaker provides a per-target circuit breaker whose state is shared
// through the state store, so every gateway instance sees the same view of a
// target's health. Transitions are pure functions over the persisted record;
// the Breaker type adds the store round-trips and concurrency control.
package breaker

import (
	"time"

	"github.com/edgegate/edgegate/internal/store"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Target unhealthy; calls are denied immediately.
	StateHalfOpen              // Probing; a single trial call is in flight.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateOf(rec store.BreakerState) State {
	switch rec.Status {
	case store.StatusOpen:
		return StateOpen
	case store.StatusHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// applyAllow computes the admission decision for the current record.
// It returns the successor record, whether the call is admitted, and whether
// the record changed (only the Open→HalfOpen probe claim writes state).
func applyAllow(cur store.BreakerState, now time.Time, recovery time.Duration) (next store.BreakerState, admit, changed bool) {
	switch stateOf(cur) {
	case StateClosed:
		return cur, true, false

	case StateOpen:
		openedAt := time.UnixMilli(cur.OpenedAtUnixMs)
		if now.Sub(openedAt) < recovery {
			return cur, false, false
		}
		// Recovery timeout elapsed: claim the single half-open probe slot.
		next = store.BreakerState{
			Status:        store.StatusHalfOpen,
			ProbeInFlight: true,
		}
		return next, true, true

	case StateHalfOpen:
		if cur.ProbeInFlight {
			return cur, false, false
		}
		// Probe slot free (a previous claimant lost it, e.g. crashed before
		// recording): take it.
		next = cur
		next.ProbeInFlight = true
		return next, true, true
	}
	return cur, false, false
}

// applyAbandon frees the half-open probe slot when the probe's outcome was
// never observed (the caller abandoned the request mid-flight). Without this
// the flag would stay set and every later Allow would be denied. Returns the
// successor record and whether it changed.
func applyAbandon(cur store.BreakerState) (store.BreakerState, bool) {
	if stateOf(cur) == StateHalfOpen && cur.ProbeInFlight {
		cur.ProbeInFlight = false
		return cur, true
	}
	return cur, false
}

// applyOutcome computes the successor record after a terminal call outcome.
func applyOutcome(cur store.BreakerState, success bool, now time.Time, threshold int) store.BreakerState {
	switch stateOf(cur) {
	case StateClosed:
		if success {
			cur.ConsecutiveFailures = 0
			return cur
		}
		cur.ConsecutiveFailures++
		if cur.ConsecutiveFailures >= threshold {
			return store.BreakerState{
				Status:         store.StatusOpen,
				OpenedAtUnixMs: now.UnixMilli(),
			}
		}
		return cur

	case StateOpen:
		// Outcome of a call admitted before the trip; the record already
		// reflects the newer information, so ignore it.
		return cur

	case StateHalfOpen:
		if success {
			return store.NewBreakerState()
		}
		return store.BreakerState{
			Status:         store.StatusOpen,
			OpenedAtUnixMs: now.UnixMilli(),
		}
	}
	return cur
}
