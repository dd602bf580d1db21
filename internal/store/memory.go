package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. It backs tests
// and the degraded mode when Redis is unavailable and fail-open is
// configured. State is process-local and lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once

	// now is swappable for tests.
	now func() time.Time
}

type memoryEntry struct {
	value      []byte
	expiration time.Time // zero means no expiry
}

// NewMemoryStore creates an in-memory store with a background scavenger.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryStore{
		data:        make(map[string]memoryEntry),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	s.cleanupTicker = time.NewTicker(cleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.evictExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.data {
		if !e.expiration.IsZero() && now.After(e.expiration) {
			delete(s.data, key)
		}
	}
}

func (s *MemoryStore) live(e memoryEntry) bool {
	return e.expiration.IsZero() || s.now().Before(e.expiration)
}

// Get retrieves a value; expired entries read as missing.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || !s.live(e) {
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a value with TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiration = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// SetNX sets a value only if the key doesn't exist (or has expired).
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok && s.live(e) {
		return false, nil
	}

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiration = s.now().Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

// GetWithTTL retrieves a value along with its remaining TTL.
func (s *MemoryStore) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || !s.live(e) {
		return nil, 0, nil
	}

	var remaining time.Duration
	if !e.expiration.IsZero() {
		remaining = e.expiration.Sub(s.now())
	}
	return append([]byte(nil), e.value...), remaining, nil
}

// Increment atomically adds delta to a numeric value.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if e, ok := s.data[key]; ok && s.live(e) {
		current, _ = strconv.ParseInt(string(e.value), 10, 64)
		current += delta
		e.value = []byte(strconv.FormatInt(current, 10))
		s.data[key] = e
		return current, nil
	}

	current = delta
	e := memoryEntry{value: []byte(strconv.FormatInt(current, 10))}
	if ttl > 0 {
		e.expiration = s.now().Add(ttl)
	}
	s.data[key] = e
	return current, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the scavenger.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of live entries; used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.data {
		if s.live(e) {
			n++
		}
	}
	return n
}
