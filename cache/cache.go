// Package cache provides the in-memory session cache.
//
// A Store holds at most one value and keeps "never set" distinct from
// "explicitly absent". Every write advances an epoch, and a
// caller holding an older epoch cannot overwrite a newer decision.
package cache

import (
	"sync"
	"time"
)

// State is the occupancy of a Store.
type State int

const (
	// Unset means no value has ever been written (or the store was reset).
	Unset State = iota
	// Absent means a nil value was written: confirmed empty.
	Absent
	// Present means a value is cached.
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "unset"
	}
}

// DefaultTTL is the default freshness window.
const DefaultTTL = 5 * time.Minute

// Store is a single-slot cache with a freshness window.
type Store[T any] struct {
	mu        sync.RWMutex
	value     *T
	state     State
	fetchedAt time.Time
	stale     bool
	epoch     uint64
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an empty store. A non-positive ttl selects DefaultTTL.
func New[T any](ttl time.Duration, opts ...Option) *Store[T] {
	o := &options{now: time.Now}
	for _, fn := range opts {
		fn(o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store[T]{ttl: ttl, now: o.now}
}

// Get returns the cached value, its state, and whether it is still within
// the freshness window. An Unset store is never fresh.
func (s *Store[T]) Get() (*T, State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == Unset {
		return nil, Unset, false
	}
	fresh := !s.stale && s.now().Sub(s.fetchedAt) < s.ttl
	return s.value, s.state, fresh
}

// FetchedAt returns when the current value was written.
func (s *Store[T]) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}

// Set stores v unconditionally. A nil v records confirmed absence.
func (s *Store[T]) Set(v *T) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(v)
}

// SetIf stores v only if no write happened since epoch was observed.
func (s *Store[T]) SetIf(epoch uint64, v *T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return false
	}
	s.setLocked(v)
	return true
}

func (s *Store[T]) setLocked(v *T) uint64 {
	s.value = v
	if v == nil {
		s.state = Absent
	} else {
		s.state = Present
	}
	s.fetchedAt = s.now()
	s.stale = false
	s.epoch++
	return s.epoch
}

// Invalidate marks the value stale without discarding it, forcing the next
// reader to re-probe while still being able to fall back on it.
func (s *Store[T]) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
}

// Reset forgets everything and returns the store to Unset.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = nil
	s.state = Unset
	s.fetchedAt = time.Time{}
	s.stale = false
	s.epoch++
}

// Epoch returns the current write generation.
func (s *Store[T]) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// TTL returns the freshness window.
func (s *Store[T]) TTL() time.Duration { return s.ttl }
