package kv

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	list      []string
	isList    bool
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store for tests and single-node deployments.
// TTLs are enforced lazily on access.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memEntry
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memEntry),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// live returns the entry at key, pruning it first if expired.
func (s *MemoryStore) live(key string) *memEntry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.isList {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memEntry{value: "0"}
		s.items[key] = e
	}
	cur, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv incrby %s: value is not an integer", key)
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(key); e != nil {
		e.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) BoundedRPush(_ context.Context, key, value string, max int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memEntry{isList: true}
		s.items[key] = e
	}
	if int64(len(e.list)) >= max {
		return false, nil
	}
	e.list = append(e.list, value)
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return true, nil
}

func (s *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.list)), nil
}

func (s *MemoryStore) DrainList(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	items := e.list
	delete(s.items, key)
	return items, nil
}

func (s *MemoryStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var keys []string
	for key, e := range s.items {
		if e.expired(now) {
			delete(s.items, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
