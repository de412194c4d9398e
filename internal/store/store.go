// Package store defines the shared state store contract used by the rate
// limiter and the circuit breaker, plus Redis-backed and in-memory
// implementations. All cross-process state (per-identity request windows,
// per-target breaker state) lives behind this boundary.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned (wrapped) when the backing store cannot be
// reached. Callers must distinguish it from a normal admission denial so the
// deployment's fail-open/fail-closed policy can apply.
var ErrUnavailable = errors.New("state store unavailable")

// Breaker status values as persisted in the store.
const (
	StatusClosed   = "closed"
	StatusOpen     = "open"
	StatusHalfOpen = "half-open"
)

// BreakerState is the persisted circuit breaker record for one target.
// It is owned by the breaker component; the store only moves it around.
type BreakerState struct {
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenedAtUnixMs      int64  `json:"opened_at_unix_ms,omitempty"`
	ProbeInFlight       bool   `json:"probe_in_flight,omitempty"`
}

// NewBreakerState returns the initial (closed, zero failures) state a target
// gets on first reference.
func NewBreakerState() BreakerState {
	return BreakerState{Status: StatusClosed}
}

// Store is the state backend for the limiter and the breaker. Implementations
// must make each operation atomic per key; no cross-key guarantees are needed.
type Store interface {
	// TrimAndCount removes window entries for identity strictly older than
	// cutoff and returns the number of entries remaining. Entries exactly at
	// the cutoff are retained.
	TrimAndCount(ctx context.Context, identity string, cutoff time.Time) (int64, error)

	// Insert records one admitted request for identity at ts. member must be
	// unique per request so two admissions in the same millisecond do not
	// collide. ttl bounds the key's lifetime after the last insert.
	Insert(ctx context.Context, identity string, ts time.Time, member string, ttl time.Duration) error

	// GetBreakerState returns the breaker record for target, lazily creating
	// the initial closed state on first reference.
	GetBreakerState(ctx context.Context, target string) (BreakerState, error)

	// CompareAndSetBreakerState atomically replaces target's record with new
	// iff the stored record equals expected. Returns false (no error) on a
	// lost race.
	CompareAndSetBreakerState(ctx context.Context, target string, expected, new BreakerState) (bool, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// WindowChecker is an optional fast path: a single atomic
// trim + count + conditional-insert. The limiter prefers it over the
// TrimAndCount/Insert pair when the store provides it, avoiding the
// per-identity lock otherwise needed to keep the sequence race-free.
type WindowChecker interface {
	// CheckWindow trims entries older than cutoff, then admits and records the
	// request at now iff fewer than max entries remain. count is the window
	// size after the call.
	CheckWindow(ctx context.Context, identity string, cutoff, now time.Time, member string, max int64, ttl time.Duration) (count int64, admitted bool, err error)
}
