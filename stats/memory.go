package stats

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps counters in memory.
// Useful for tests and development; nothing ever expires.
type MemoryStore struct {
	mu    sync.Mutex
	total Counters
	byKey map[string]Counters

	trackKeys bool
}

type MemoryOption func(*MemoryStore)

// WithMemoryTrackKeys enables per-partition counters.
func WithMemoryTrackKeys(track bool) MemoryOption {
	return func(s *MemoryStore) { s.trackKeys = track }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		total: make(Counters),
		byKey: make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = &MemoryStore{}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[ev.Kind]++
	if s.trackKeys && ev.Key != "" {
		c, ok := s.byKey[ev.Key]
		if !ok {
			c = make(Counters)
			s.byKey[ev.Key] = c
		}
		c[ev.Kind]++
	}
	return nil
}

func (s *MemoryStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total.clone()
}

// ByKey returns the counters of a single partition.
// It is always empty unless keys are tracked.
func (s *MemoryStore) ByKey(key string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key].clone()
}

// Keys returns the tracked partition keys, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
