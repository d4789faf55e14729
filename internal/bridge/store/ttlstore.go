// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired
func (e *Entry[T]) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTLStore is a generic in-memory store whose entries expire. Expired
// entries are invisible to readers and swept periodically; the eviction
// callback fires only for swept entries, never for Take or Delete.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	onEvict  func(key K, value V)
	now      func() time.Time
}

// NewTTLStore creates a store swept every cleanupInterval. onEvict may be nil.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration, onEvict func(key K, value V)) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:   make(map[K]*Entry[V]),
		stopCh:  make(chan struct{}),
		onEvict: onEvict,
		now:     time.Now,
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Set stores a value with the given TTL
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: s.now().Add(ttl)}
}

// Get retrieves a value by key. Returns the value and true if found and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.items[key]
	if !exists || entry.IsExpired(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Take removes key and returns its value in one step. Of two concurrent
// callers for the same key, exactly one gets ok.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.items[key]
	if !exists {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	if entry.IsExpired(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Delete removes a key from the store
func (s *TTLStore[K, V]) Delete(key K) bool {
	_, ok := s.Take(key)
	return ok
}

// Len returns the number of non-expired items
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	count := 0
	for _, entry := range s.items {
		if !entry.IsExpired(now) {
			count++
		}
	}
	return count
}

// All returns all non-expired entries as a map
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	result := make(map[K]V, len(s.items))
	for key, entry := range s.items {
		if !entry.IsExpired(now) {
			result[key] = entry.Value
		}
	}
	return result
}

// Close stops the cleanup goroutine and clears the store
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*Entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries and calls the eviction callback outside
// the lock.
func (s *TTLStore[K, V]) cleanup() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var expired []evicted
	for key, entry := range s.items {
		if entry.IsExpired(now) {
			expired = append(expired, evicted{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
