package cache

import (
	"context"
	"sync"
	"time"
)

// expiringSet is a map of keys with deadlines, expired keys are dropped lazily
type expiringSet struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func newExpiringSet() *expiringSet {
	return &expiringSet{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (s *expiringSet) put(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = s.now().Add(ttl)
}

func (s *expiringSet) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// putIfAbsent returns false if a live key already exists
func (s *expiringSet) putIfAbsent(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if deadline, ok := s.keys[key]; ok && now.Before(deadline) {
		return false
	}
	s.keys[key] = now.Add(ttl)
	return true
}

// MemoryDeduper is the single-process EventDeduper used with STORAGE=memory and in tests
type MemoryDeduper struct {
	set *expiringSet
	ttl time.Duration
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{set: newExpiringSet(), ttl: ttl}
}

var _ EventDeduper = (*MemoryDeduper)(nil)

func (d *MemoryDeduper) Claim(_ context.Context, eventID string) (bool, error) {
	return d.set.putIfAbsent(eventID, ClaimLease), nil
}

func (d *MemoryDeduper) MarkProcessed(_ context.Context, eventID string) error {
	d.set.put(eventID, d.ttl)
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, eventID string) error {
	d.set.remove(eventID)
	return nil
}

type MemoryThrottle struct {
	set    *expiringSet
	window time.Duration
}

func NewMemoryThrottle(window time.Duration) *MemoryThrottle {
	return &MemoryThrottle{set: newExpiringSet(), window: window}
}

var _ Throttle = (*MemoryThrottle)(nil)

func (t *MemoryThrottle) Allow(_ context.Context, key string) (bool, error) {
	return t.set.putIfAbsent(key, t.window), nil
}

// NoThrottle allows everything
type NoThrottle struct{}

func (NoThrottle) Allow(context.Context, string) (bool, error) { return true, nil }
