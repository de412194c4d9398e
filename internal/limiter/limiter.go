// Package limiter provides per-identity admission control over a sliding
// time window of request timestamps held in the shared state store. Every
// gateway instance pointed at the same store enforces one global budget per
// identity.
package limiter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/store"
)

// Config holds the sliding-window settings.
type Config struct {
	// MaxRequests is the admission budget per identity per window.
	MaxRequests int

	// Window is the sliding window length.
	Window time.Duration
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool

	// Count is the number of window entries after the check (the new request
	// included when admitted).
	Count int64

	// RetryAfter is a hint for rejected callers; zero when admitted.
	RetryAfter time.Duration
}

// identityLock is one fallback mutex plus the last time a check touched it,
// so stale entries can be pruned.
type identityLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Limiter performs sliding-window admission checks against the store.
type Limiter struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// Fallback serialization for stores without an atomic CheckWindow:
	// a per-identity mutex held across the trim-count-insert sequence.
	// A background goroutine prunes entries for identities gone quiet,
	// otherwise the map grows by one entry per distinct identity forever.
	mu     sync.Mutex
	locks  map[string]*identityLock
	stopCh chan struct{}
}

// New creates a Limiter. The config invariants (budget ≥ 1, window ≥ 1s) are
// enforced here so a misconfigured deployment fails at startup, not per
// request. For stores without an atomic CheckWindow a cleanup goroutine is
// started; call Stop to terminate it.
func New(st store.Store, cfg Config, logger *slog.Logger) (*Limiter, error) {
	if cfg.MaxRequests < 1 {
		return nil, fmt.Errorf("limiter: max_requests must be at least 1, got %d", cfg.MaxRequests)
	}
	if cfg.Window < time.Second {
		return nil, fmt.Errorf("limiter: window must be at least 1s, got %s", cfg.Window)
	}
	l := &Limiter{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*identityLock),
		stopCh: make(chan struct{}),
	}
	if _, ok := st.(store.WindowChecker); !ok {
		go l.cleanupLocks()
	}
	return l, nil
}

// Stop terminates the background lock cleanup goroutine, if one was started.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Window returns the configured sliding window length.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// Check decides whether one request from identity is admitted. Entries
// strictly older than now-window are trimmed first; an entry exactly at the
// cutoff still counts. A rejected request is never recorded, so rejections do
// not extend the penalty. Store failures are returned as errors wrapping
// store.ErrUnavailable, distinct from a rejection.
func (l *Limiter) Check(ctx context.Context, identity string) (Decision, error) {
	start := l.now()
	cutoff := start.Add(-l.cfg.Window)
	// The member carries a nonce so two admissions in the same millisecond
	// remain distinct sorted-set entries.
	member := fmt.Sprintf("%d-%s", start.UnixMilli(), nonce())
	ttl := l.cfg.Window + time.Second

	var (
		count    int64
		admitted bool
		err      error
	)

	if checker, ok := l.store.(store.WindowChecker); ok {
		count, admitted, err = checker.CheckWindow(ctx, identity, cutoff, start, member, int64(l.cfg.MaxRequests), ttl)
	} else {
		count, admitted, err = l.checkLocked(ctx, identity, cutoff, start, member, ttl)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("limiter_check").Inc()
		metrics.AdmissionDecisions.WithLabelValues("limiter", "error").Inc()
		return Decision{}, err
	}

	if !admitted {
		metrics.RateLimitHits.Inc()
		metrics.AdmissionDecisions.WithLabelValues("limiter", "reject").Inc()
		l.logger.Warn("rate limit exceeded",
			"identity", identity,
			"count", count,
			"max_requests", l.cfg.MaxRequests,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return Decision{Allowed: false, Count: count, RetryAfter: l.cfg.Window}, nil
	}

	metrics.AdmissionDecisions.WithLabelValues("limiter", "admit").Inc()
	l.logger.Debug("request admitted",
		"identity", identity,
		"count", count,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return Decision{Allowed: true, Count: count}, nil
}

// checkLocked runs trim-count-insert under a per-identity mutex so two
// concurrent checks cannot both observe the last free slot. Used only when
// the store has no native atomic window operation.
func (l *Limiter) checkLocked(ctx context.Context, identity string, cutoff, now time.Time, member string, ttl time.Duration) (int64, bool, error) {
	lock := l.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	count, err := l.store.TrimAndCount(ctx, identity, cutoff)
	if err != nil {
		return 0, false, err
	}
	if count >= int64(l.cfg.MaxRequests) {
		return count, false, nil
	}
	if err := l.store.Insert(ctx, identity, now, member, ttl); err != nil {
		return 0, false, err
	}
	return count + 1, true, nil
}

func (l *Limiter) identityLock(identity string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[identity]
	if !ok {
		e = &identityLock{}
		l.locks[identity] = e
	}
	e.lastUsed = l.now()
	return &e.mu
}

func (l *Limiter) cleanupLocks() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.pruneLocks(l.now().Add(-l.lockStaleness()))
		case <-l.stopCh:
			return
		}
	}
}

// lockStaleness is how long a lock must sit idle before pruning. Several
// windows past the last check no goroutine can still hold the mutex, so
// removing the entry cannot split an in-flight critical section.
func (l *Limiter) lockStaleness() time.Duration {
	s := 3 * l.cfg.Window
	if s < 3*time.Minute {
		s = 3 * time.Minute
	}
	return s
}

func (l *Limiter) pruneLocks(olderThan time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for identity, e := range l.locks {
		if e.lastUsed.Before(olderThan) {
			delete(l.locks, identity)
		}
	}
}

func nonce() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
