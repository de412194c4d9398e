package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/store"
)

// casRetries bounds how often Record re-reads and re-applies its transition
// when another gateway instance wins the compare-and-set race.
const casRetries = 5

// Config holds the circuit breaker settings applied to every target.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// closed breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker denies calls before
	// admitting a single half-open probe.
	RecoveryTimeout time.Duration
}

// Breaker gates outbound calls per target. What counts as a failure is the
// caller's decision; Record only applies the transition table.
type Breaker struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// Per-target mutexes serialize local callers so only one goroutine at a
	// time runs a read-transition-CAS cycle for a given target. Cross-process
	// interleavings are handled by the CAS itself.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Breaker backed by the given store.
func New(st store.Store, cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (b *Breaker) targetLock(target string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.locks[target]
	if !ok {
		m = &sync.Mutex{}
		b.locks[target] = m
	}
	return m
}

// Allow reports whether a call to target may proceed. The only state it
// writes is the half-open probe claim; when two callers race for the probe
// slot, the compare-and-set guarantees a single winner.
func (b *Breaker) Allow(ctx context.Context, target string) (bool, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	cur, err := b.store.GetBreakerState(ctx, target)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("breaker_get").Inc()
		return false, err
	}

	next, admit, changed := applyAllow(cur, b.now(), b.cfg.RecoveryTimeout)
	if !changed {
		return admit, nil
	}

	ok, err := b.store.CompareAndSetBreakerState(ctx, target, cur, next)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("breaker_cas").Inc()
		return false, err
	}
	if !ok {
		// Another instance claimed the probe slot first.
		return false, nil
	}

	b.observeTransition(target, cur, next)
	return admit, nil
}

// Record applies the terminal outcome of a call to target. Transient failures
// already absorbed by the retry policy must not be reported here; one call,
// one outcome.
func (b *Breaker) Record(ctx context.Context, target string, success bool) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	for i := 0; i < casRetries; i++ {
		cur, err := b.store.GetBreakerState(ctx, target)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("breaker_get").Inc()
			return err
		}

		next := applyOutcome(cur, success, b.now(), b.cfg.FailureThreshold)
		if next == cur {
			return nil
		}

		ok, err := b.store.CompareAndSetBreakerState(ctx, target, cur, next)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("breaker_cas").Inc()
			return err
		}
		if ok {
			b.observeTransition(target, cur, next)
			return nil
		}
	}
	return fmt.Errorf("breaker state contention for target %q", target)
}

// ReleaseProbe frees the half-open probe slot without recording an outcome.
// Called when the probe call was abandoned (client disconnect) so the next
// Allow can claim the slot instead of the breaker staying half-open forever.
func (b *Breaker) ReleaseProbe(ctx context.Context, target string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	for i := 0; i < casRetries; i++ {
		cur, err := b.store.GetBreakerState(ctx, target)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("breaker_get").Inc()
			return err
		}

		next, changed := applyAbandon(cur)
		if !changed {
			return nil
		}

		ok, err := b.store.CompareAndSetBreakerState(ctx, target, cur, next)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("breaker_cas").Inc()
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("breaker state contention for target %q", target)
}

// State returns the current state for target without side effects.
func (b *Breaker) State(ctx context.Context, target string) (State, error) {
	rec, err := b.store.GetBreakerState(ctx, target)
	if err != nil {
		return StateClosed, err
	}
	return stateOf(rec), nil
}

// Reset forces target back to the initial closed state. Used by the admin API.
func (b *Breaker) Reset(ctx context.Context, target string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	for i := 0; i < casRetries; i++ {
		cur, err := b.store.GetBreakerState(ctx, target)
		if err != nil {
			return err
		}
		next := store.NewBreakerState()
		if cur == next {
			return nil
		}
		ok, err := b.store.CompareAndSetBreakerState(ctx, target, cur, next)
		if err != nil {
			return err
		}
		if ok {
			b.observeTransition(target, cur, next)
			return nil
		}
	}
	return fmt.Errorf("breaker state contention for target %q", target)
}

// observeTransition emits metrics and logging when the state machine moves
// between states. Counter resets within a state are not transitions.
func (b *Breaker) observeTransition(target string, from, to store.BreakerState) {
	fromState, toState := stateOf(from), stateOf(to)
	if fromState == toState {
		return
	}

	metrics.CircuitBreakerStateChanges.WithLabelValues(target, fromState.String(), toState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(target).Set(float64(toState))

	b.logger.Info("circuit breaker state change",
		"target", target,
		"from", fromState.String(),
		"to", toState.String(),
	)
}
