package store

import (
	"context"
	"sync"
	"time"

	"github.com/keygate/idempotency"
)

// MemoryStore is an in-memory implementation of idempotency.Store for
// tests and single-instance deployments.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{data: make(map[string]*entry)}

	// Lazy expiry on access handles correctness; the sweep just reclaims
	// memory for keys nobody touches again.
	go s.cleanup()

	return s
}

// Acquire sets key only if no live entry exists. True means ownership.
func (s *MemoryStore) Acquire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, exists := s.data[key]; exists && !e.expired(now) {
		return false, nil
	}
	s.data[key] = &entry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// Read retrieves the raw record bytes for key.
func (s *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.data[key]
	if !exists || e.expired(time.Now()) {
		return nil, idempotency.ErrNotFound
	}
	return e.value, nil
}

// Write unconditionally overwrites key with expiry.
func (s *MemoryStore) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Remove unconditionally deletes key.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for key, e := range s.data {
			if e.expired(now) {
				delete(s.data, key)
			}
		}
		s.mu.Unlock()
	}
}

var _ idempotency.Store = (*MemoryStore)(nil)
