package store

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	scoreMs int64
	member  string
}

// MemoryStore is a process-local Store with the same per-key semantics as
// RedisStore. Suitable for tests and single-instance deployments; it does not
// share state across replicas.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string][]windowEntry
	breakers map[string]BreakerState
}

var _ Store = (*MemoryStore)(nil)
var _ WindowChecker = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string][]windowEntry),
		breakers: make(map[string]BreakerState),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// trimLocked drops entries strictly older than cutoff. Entries are appended
// in timestamp order, so a single scan for the first retained index suffices.
func (s *MemoryStore) trimLocked(identity string, cutoffMs int64) []windowEntry {
	entries := s.windows[identity]
	i := 0
	for i < len(entries) && entries[i].scoreMs < cutoffMs {
		i++
	}
	if i > 0 {
		entries = append([]windowEntry(nil), entries[i:]...)
		if len(entries) == 0 {
			delete(s.windows, identity)
		} else {
			s.windows[identity] = entries
		}
	}
	return entries
}

func (s *MemoryStore) TrimAndCount(ctx context.Context, identity string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.trimLocked(identity, cutoff.UnixMilli()))), nil
}

func (s *MemoryStore) Insert(ctx context.Context, identity string, ts time.Time, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[identity] = append(s.windows[identity], windowEntry{scoreMs: ts.UnixMilli(), member: member})
	return nil
}

func (s *MemoryStore) CheckWindow(ctx context.Context, identity string, cutoff, now time.Time, member string, max int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.trimLocked(identity, cutoff.UnixMilli())
	count := int64(len(entries))
	if count >= max {
		return count, false, nil
	}
	s.windows[identity] = append(entries, windowEntry{scoreMs: now.UnixMilli(), member: member})
	return count + 1, true, nil
}

func (s *MemoryStore) GetBreakerState(ctx context.Context, target string) (BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.breakers[target]
	if !ok {
		st = NewBreakerState()
		s.breakers[target] = st
	}
	return st, nil
}

func (s *MemoryStore) CompareAndSetBreakerState(ctx context.Context, target string, expected, new BreakerState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.breakers[target]
	if !ok {
		cur = NewBreakerState()
	}
	if cur != expected {
		return false, nil
	}
	s.breakers[target] = new
	return true, nil
}
