// Package ttlcache holds values that expire a fixed time after they are stored
package ttlcache

import (
	"sync"
	"time"
)

// entry represents a cached value and its expiry time
type entry[V any] struct {

	// Value represents a value of arbitrary type.
	Value V

	// Exp represents the expiry time.
	Exp time.Time
}

// Store represents keys and their associated expiring values.
type Store[V any] struct {
	sync.Mutex

	// store is a map of keys to entries
	store map[string]entry[V]

	// ttl is the lifetime of an entry
	ttl time.Duration

	closed chan struct{}

	closeOnce sync.Once

	// Now is the clock used for expiry (replaceable in tests)
	Now func() time.Time
}

// New returns a store with an entry lifetime of ttl, that removes
// stale entries every 2*ttl until Close is called
func New[V any](ttl time.Duration) *Store[V] {
	s := &Store[V]{
		store:  make(map[string]entry[V]),
		ttl:    ttl,
		closed: make(chan struct{}),
		Now:    time.Now,
	}
	go s.keepClean()
	return s
}

// WithNow sets the clock (required for testing)
func (s *Store[V]) WithNow(now func() time.Time) *Store[V] {
	s.Lock()
	defer s.Unlock()
	s.Now = now
	return s
}

// Close stops the cleaning routine
func (s *Store[V]) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// keepClean periodically removes stale entries
func (s *Store[V]) keepClean() {
	interval := 2 * s.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-s.closed:
			return
		case <-time.After(interval):
			s.CleanExpired()
		}
	}
}

// Set stores a value, replacing any existing value for the key
func (s *Store[V]) Set(key string, value V) {
	s.Lock()
	defer s.Unlock()
	s.store[key] = entry[V]{Value: value, Exp: s.Now().Add(s.ttl)}
}

// Get returns the value for key, if present and not expired
func (s *Store[V]) Get(key string) (V, bool) {
	s.Lock()
	defer s.Unlock()

	var zero V

	e, ok := s.store[key]
	if !ok {
		return zero, false
	}

	if s.Now().After(e.Exp) {
		delete(s.store, key)
		return zero, false
	}

	return e.Value, true
}

// Delete removes a key
func (s *Store[V]) Delete(key string) {
	s.Lock()
	defer s.Unlock()
	delete(s.store, key)
}

// CleanExpired removes stale entries from the store
func (s *Store[V]) CleanExpired() {
	s.Lock()
	defer s.Unlock()

	now := s.Now()

	for k, e := range s.store {
		if now.After(e.Exp) {
			delete(s.store, k)
		}
	}
}

// TTL returns the lifetime of entries
func (s *Store[V]) TTL() time.Duration {
	return s.ttl
}

// Count returns the number of entries, including any not yet cleaned
func (s *Store[V]) Count() int {
	s.Lock()
	defer s.Unlock()
	return len(s.store)
}
