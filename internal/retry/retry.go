// Package retry wraps outbound calls with bounded exponential backoff. The
// policy is stateless: it knows nothing about limiters or breakers, and the
// caller decides which failures are worth retrying.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds the backoff settings.
type Config struct {
	// MaxAttempts is the total attempt budget, first try included. Must be ≥ 1.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Must be ≥ BaseDelay.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts. Must be > 1.
	Multiplier float64

	// Jitter, when set, sleeps a uniformly random duration in [0, delay]
	// instead of the full delay, so synchronized clients do not retry in
	// lockstep.
	Jitter bool
}

// ExhaustedError reports that every attempt failed. It wraps the last
// underlying failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy executes operations with retries. Safe for concurrent use.
type Policy struct {
	cfg       Config
	retryable func(error) bool

	// sleep is swapped out in tests to observe computed delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Policy. retryable classifies which failures deserve another
// attempt; pass nil to retry every failure.
func New(cfg Config, retryable func(error) bool) (*Policy, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry: max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("retry: base_delay must be positive, got %s", cfg.BaseDelay)
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("retry: max_delay %s must be at least base_delay %s", cfg.MaxDelay, cfg.BaseDelay)
	}
	if cfg.Multiplier <= 1 {
		return nil, fmt.Errorf("retry: multiplier must be greater than 1, got %g", cfg.Multiplier)
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Policy{cfg: cfg, retryable: retryable, sleep: sleepCtx}, nil
}

// Execute runs op, retrying retryable failures until the attempt budget is
// spent. The context is observed before every attempt and during every
// backoff sleep, so an abandoned request returns promptly instead of burning
// the rest of its budget. On exhaustion the last failure is returned wrapped
// in *ExhaustedError; a non-retryable failure is returned as-is.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
	}

	return &ExhaustedError{Attempts: p.cfg.MaxAttempts, Err: lastErr}
}

// backoff returns the sleep before the given attempt (attempt ≥ 2):
// min(maxDelay, baseDelay·multiplier^(attempt-2)), drawn uniformly from
// [0, delay] when jitter is on.
func (p *Policy) backoff(attempt int) time.Duration {
	delay := p.cfg.BaseDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.cfg.Multiplier)
		if delay >= p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
			break
		}
	}
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}

	if p.cfg.Jitter {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
