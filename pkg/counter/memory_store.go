package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Suitable for tests and
// single-process deployments only.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[memKey]int64
}

type memKey struct {
	key   string
	kind  WindowKind
	start int64
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[memKey]int64)}
}

func (s *MemoryStore) Peek(ctx context.Context, key Key, kind WindowKind, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[memKey{key.String(), kind, WindowStart(at, kind).Unix()}], nil
}

func (s *MemoryStore) Increment(ctx context.Context, key Key, at time.Time, caps Caps) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hk := memKey{key.String(), WindowHour, WindowStart(at, WindowHour).Unix()}
	dk := memKey{key.String(), WindowDay, WindowStart(at, WindowDay).Unix()}

	if caps.Hourly > 0 && s.counts[hk]+1 > caps.Hourly {
		return false, nil
	}
	if caps.Daily > 0 && s.counts[dk]+1 > caps.Daily {
		return false, nil
	}
	s.counts[hk]++
	s.counts[dk]++

	s.prune(at)
	return true, nil
}

// prune drops windows that ended more than two days ago.
func (s *MemoryStore) prune(at time.Time) {
	cutoff := at.UTC().Add(-48 * time.Hour).Unix()
	for k := range s.counts {
		if k.start < cutoff {
			delete(s.counts, k)
		}
	}
}
