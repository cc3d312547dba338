package tgui

import (
	"sync"
	"time"
)

// KeyedStore is an in-memory TTL map, typically keyed by chat or user id.
//
// It backs short-lived conversation state: entries expire after ttl of
// inactivity (every Put refreshes the deadline), and an O(n) sweep of expired
// entries runs at most once per cleanupInterval.
type KeyedStore[K comparable, V any] struct {
	mu sync.Mutex

	ttl             time.Duration
	max             int
	cleanupInterval time.Duration
	nextCleanup     time.Time

	now func() time.Time
	m   map[K]keyedEntry[V]
}

type keyedEntry[V any] struct {
	v   V
	exp time.Time
}

// NewKeyedStore creates a store. Defaults: ttl=30m, max=5000, cleanup=1m.
func NewKeyedStore[K comparable, V any](ttl time.Duration) *KeyedStore[K, V] {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &KeyedStore[K, V]{
		ttl:             ttl,
		max:             5000,
		cleanupInterval: time.Minute,
		now:             time.Now,
		m:               map[K]keyedEntry[V]{},
	}
}

// WithMax sets the maximum number of live entries.
func (s *KeyedStore[K, V]) WithMax(max int) *KeyedStore[K, V] {
	if max <= 0 {
		max = 5000
	}
	s.mu.Lock()
	s.max = max
	s.mu.Unlock()
	return s
}

// WithClock overrides the time source.
func (s *KeyedStore[K, V]) WithClock(now func() time.Time) *KeyedStore[K, V] {
	if now != nil {
		s.mu.Lock()
		s.now = now
		s.mu.Unlock()
	}
	return s
}

// Put stores v under k and refreshes its deadline.
func (s *KeyedStore[K, V]) Put(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.maybeCleanupLocked(now)
	s.m[k] = keyedEntry[V]{v: v, exp: now.Add(s.ttl)}
	s.enforceMaxLocked(k)
}

// Get returns the live value for k.
func (s *KeyedStore[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.maybeCleanupLocked(now)
	e, ok := s.m[k]
	if !ok {
		var zero V
		return zero, false
	}
	if now.After(e.exp) {
		delete(s.m, k)
		var zero V
		return zero, false
	}
	return e.v, true
}

// Delete drops k.
func (s *KeyedStore[K, V]) Delete(k K) {
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included until the
// next sweep.
func (s *KeyedStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *KeyedStore[K, V]) maybeCleanupLocked(now time.Time) {
	if s.nextCleanup.IsZero() {
		s.nextCleanup = now.Add(s.cleanupInterval)
		return
	}
	if now.Before(s.nextCleanup) {
		return
	}
	for k, e := range s.m {
		if now.After(e.exp) {
			delete(s.m, k)
		}
	}
	s.nextCleanup = now.Add(s.cleanupInterval)
}

// enforceMaxLocked evicts arbitrary entries other than keep.
func (s *KeyedStore[K, V]) enforceMaxLocked(keep K) {
	over := len(s.m) - s.max
	if s.max <= 0 || over <= 0 {
		return
	}
	for k := range s.m {
		if k == keep {
			continue
		}
		delete(s.m, k)
		over--
		if over <= 0 {
			break
		}
	}
}
