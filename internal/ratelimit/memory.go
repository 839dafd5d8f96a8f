package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sliding-window logs in process memory. It only bounds
// load within a single process and is meant for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	hits   []time.Time
	window time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

func (s *MemoryStore) Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &memoryWindow{}
		s.windows[key] = w
	}
	w.window = window
	w.trim(now)

	if len(w.hits) >= limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.hits[0].Add(window).Sub(now),
		}, nil
	}

	w.hits = append(w.hits, now)
	return Decision{Allowed: true, Remaining: limit - len(w.hits)}, nil
}

// Sweep drops keys whose windows have fully expired and returns how many
// were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.trim(now)
		if len(w.hits) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (w *memoryWindow) trim(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}
