package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

type memZSet struct {
	members map[string]int64 // member -> unix-nano score
	expires time.Time
}

// MemoryStore is a hermetic in-process Store used in tests and as a local
// development fallback. Expiry is evaluated lazily against an injectable
// clock, scans match the full keyspace in one batch, and SetFailing switches
// every operation to ErrUnavailable to exercise degraded paths.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memEntry
	zsets   map[string]*memZSet
	failing bool
	now     func() time.Time
}

// NewMemoryStore returns an empty store on the real clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		zsets:  make(map[string]*memZSet),
		now:    time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFailing toggles the simulated outage.
func (s *MemoryStore) SetFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

// Available reports whether the simulated outage is off.
func (s *MemoryStore) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.failing
}

func (s *MemoryStore) expired(t time.Time) bool {
	return !t.IsZero() && !s.now().Before(t)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", ErrUnavailable
	}
	e, ok := s.values[key]
	if !ok || s.expired(e.expires) {
		delete(s.values, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrUnavailable
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.values[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrUnavailable
	}
	for _, k := range keys {
		delete(s.values, k)
		delete(s.zsets, k)
	}
	return nil
}

// Scan ignores the cursor and returns every live key matching pattern in one
// sorted batch, bounded by count.
func (s *MemoryStore) Scan(_ context.Context, _ uint64, pattern string, count int64) ([]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, 0, ErrUnavailable
	}
	var keys []string
	for k, e := range s.values {
		if s.expired(e.expires) {
			delete(s.values, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if count > 0 && int64(len(keys)) > count {
		keys = keys[:count]
	}
	return keys, 0, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrUnavailable
	}
	if e, ok := s.values[key]; ok && !s.expired(e.expires) {
		e.expires = s.now().Add(ttl)
		s.values[key] = e
	}
	if z, ok := s.zsets[key]; ok {
		z.expires = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) zset(key string) *memZSet {
	z, ok := s.zsets[key]
	if !ok || s.expired(z.expires) {
		z = &memZSet{members: make(map[string]int64)}
		s.zsets[key] = z
	}
	return z
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrUnavailable
	}
	z, ok := s.zsets[key]
	if !ok || s.expired(z.expires) {
		return 0, nil
	}
	return int64(len(z.members)), nil
}

func (s *MemoryStore) SlidingWindowAdmit(_ context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrUnavailable
	}
	z := s.zset(key)
	cutoff := now.Add(-window).UnixNano()
	for m, score := range z.members {
		if score <= cutoff {
			delete(z.members, m)
		}
	}
	z.members[member] = now.UnixNano()
	z.expires = s.now().Add(window)
	return int64(len(z.members)), nil
}
