// Package pipeline composes the admission chain: sliding-window limiter,
// circuit breaker, and retry policy. The order is fixed (Limiter.Check, then
// Breaker.Allow, then the retried call, then Breaker.Record) so the breaker
// sees one terminal outcome per call no matter how many attempts the retry
// policy burned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/limiter"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/retry"
	"github.com/edgegate/edgegate/internal/store"
)

// Admission denials. Both are expected outcomes of the decision algorithms,
// surfaced as sentinel errors so transports can map them to status signals.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// FailMode selects what happens to admission decisions when the state store
// is unreachable. Fail-open admits (availability over protection); fail-closed
// denies by surfacing the store error.
type FailMode int

const (
	FailOpen FailMode = iota
	FailClosed
)

// ParseFailMode converts a config string to a FailMode.
func ParseFailMode(s string) (FailMode, error) {
	switch s {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("invalid fail mode %q (want \"open\" or \"closed\")", s)
	}
}

// Pipeline runs the admission decision chain for one request.
type Pipeline struct {
	limiter *limiter.Limiter
	breaker *breaker.Breaker
	retry   *retry.Policy
	logger  *slog.Logger

	// failMode holds a FailMode; atomic because the reload callback writes it
	// while request goroutines read it.
	failMode atomic.Int32

	// isFailure classifies a terminal call error as a target failure for the
	// breaker. Client-caused errors (e.g. 4xx responses) should return false.
	isFailure func(error) bool
}

// New creates a Pipeline. isFailure may be nil, in which case every terminal
// error counts as a target failure.
func New(l *limiter.Limiter, b *breaker.Breaker, r *retry.Policy, failMode FailMode, isFailure func(error) bool, logger *slog.Logger) *Pipeline {
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	p := &Pipeline{
		limiter:   l,
		breaker:   b,
		retry:     r,
		logger:    logger,
		isFailure: isFailure,
	}
	p.failMode.Store(int32(failMode))
	return p
}

// SetFailMode swaps the store-outage policy at runtime (config hot reload).
// Safe to call concurrently with Do; the Pipeline is otherwise immutable
// after construction.
func (p *Pipeline) SetFailMode(m FailMode) {
	p.failMode.Store(int32(m))
}

// Window exposes the limiter's sliding window length, used as the
// Retry-After hint on rejections.
func (p *Pipeline) Window() time.Duration { return p.limiter.Window() }

// Do runs one request through the chain. It returns nil on success,
// ErrRateLimited / ErrCircuitOpen (wrapped) on denial, the operation's own
// error when non-retryable, *retry.ExhaustedError when the budget is spent,
// or a store.ErrUnavailable-wrapping error under fail-closed.
func (p *Pipeline) Do(ctx context.Context, identity, target string, op func(ctx context.Context) error) error {
	start := time.Now()

	dec, err := p.limiter.Check(ctx, identity)
	switch {
	case err != nil:
		if !p.admitOnStoreError("limiter", err) {
			return err
		}
	case !dec.Allowed:
		return fmt.Errorf("identity %q: %w", identity, ErrRateLimited)
	}

	allowed, err := p.breaker.Allow(ctx, target)
	switch {
	case err != nil:
		if !p.admitOnStoreError("breaker", err) {
			return err
		}
		// Admitted without breaker bookkeeping; skip Record below too.
		return p.call(ctx, target, op, false, start)
	case !allowed:
		metrics.AdmissionDecisions.WithLabelValues("breaker", "deny").Inc()
		p.logger.Warn("circuit open, call denied",
			"target", target,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return fmt.Errorf("target %q: %w", target, ErrCircuitOpen)
	}
	metrics.AdmissionDecisions.WithLabelValues("breaker", "admit").Inc()

	return p.call(ctx, target, op, true, start)
}

// call executes the retry-wrapped operation and, when record is set, reports
// the terminal outcome to the breaker.
func (p *Pipeline) call(ctx context.Context, target string, op func(ctx context.Context) error, record bool, start time.Time) error {
	attempts := 0
	callErr := p.retry.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return op(ctx)
	})

	if attempts > 1 {
		metrics.RetryAttempts.WithLabelValues(target).Add(float64(attempts - 1))
	}

	var exhausted *retry.ExhaustedError
	if errors.As(callErr, &exhausted) {
		metrics.RetryExhausted.WithLabelValues(target).Inc()
		p.logger.Warn("retry budget exhausted",
			"target", target,
			"attempts", exhausted.Attempts,
			"error", exhausted.Err,
		)
	}

	if record {
		p.recordOutcome(ctx, target, callErr)
	}

	p.logger.Debug("downstream call finished",
		"target", target,
		"attempts", attempts,
		"success", callErr == nil,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return callErr
}

// recordOutcome maps the terminal call result to a single breaker outcome.
// An abandoned request (context cancelled by the client) yields no outcome,
// but a half-open probe slot it may hold must still be released or every
// later Allow would be denied.
func (p *Pipeline) recordOutcome(ctx context.Context, target string, callErr error) {
	// Bookkeeping must reach the store even when the request context has
	// already expired (cancelled client, or a deadline counted as the
	// failure itself).
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if errors.Is(callErr, context.Canceled) {
		if err := p.breaker.ReleaseProbe(recordCtx, target); err != nil {
			p.logger.Warn("failed to release breaker probe", "target", target, "error", err)
		}
		return
	}
	success := callErr == nil || !p.isFailure(callErr)

	if err := p.breaker.Record(recordCtx, target, success); err != nil {
		p.logger.Warn("failed to record breaker outcome", "target", target, "error", err)
	}
}

// admitOnStoreError applies the fail-open/fail-closed policy to a store
// outage. Returns true when the request should proceed as if admitted.
func (p *Pipeline) admitOnStoreError(component string, err error) bool {
	if !errors.Is(err, store.ErrUnavailable) {
		return false
	}
	if FailMode(p.failMode.Load()) == FailOpen {
		metrics.AdmissionDecisions.WithLabelValues(component, "fail_open").Inc()
		p.logger.Warn("state store unavailable, failing open", "component", component, "error", err)
		return true
	}
	metrics.AdmissionDecisions.WithLabelValues(component, "fail_closed").Inc()
	p.logger.Error("state store unavailable, failing closed", "component", component, "error", err)
	return false
}
