package kvstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// sweepInterval bounds how often a write scans the map for expired entries.
// Counter keys carry their window start and are never read again once the
// window closes, so lazy eviction alone would keep them forever.
const sweepInterval = 30 * time.Second

type memoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]memoryEntry
	nextSweep time.Time
}

// NewMemory returns a process-local store. It is suitable for a single
// instance deployment and for tests; counters are not shared across processes.
func NewMemory() Store {
	return newMemoryWithClock(time.Now)
}

func newMemoryWithClock(now func() time.Time) *memoryStore {
	return &memoryStore{now: now, entries: make(map[string]memoryEntry), nextSweep: now().Add(sweepInterval)}
}

// sweep must be called with mu held.
func (s *memoryStore) sweep(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	s.nextSweep = now.Add(sweepInterval)
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(entry.value), true, nil
}

func (s *memoryStore) SetWithExpire(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	s.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: now.Add(ttl)}
	return nil
}

func (s *memoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	var count int64
	if entry, ok := s.liveEntry(key); ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err == nil {
			count = parsed
		}
	}
	count++
	if ttl <= 0 {
		ttl = time.Second
	}
	s.entries[key] = memoryEntry{
		value:     []byte(strconv.FormatInt(count, 10)),
		expiresAt: now.Add(ttl),
	}
	return count, nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *memoryStore) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.liveEntry(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close(context.Context) error { return nil }

// liveEntry must be called with mu held. Expired entries are evicted lazily.
func (s *memoryStore) liveEntry(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
