package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store defines methods for idempotency entry persistence.
// Uniqueness of (tenant_id, key) is the store's single invariant; Insert is
// the only operation allowed to create rows, and a duplicate insert MUST fail
// atomically with ErrEntryExists.
type Store interface {
	// Insert atomically creates a new entry.
	// Returns ErrEntryExists if the (tenant, key) pair is already claimed.
	Insert(ctx context.Context, entry *Entry) error

	// Get retrieves an entry by tenant and key.
	// Returns ErrEntryNotFound if the entry doesn't exist.
	Get(ctx context.Context, tenantID, key string) (*Entry, error)

	// Complete records the cached response and marks the entry completed.
	// Returns ErrEntryNotFound if the entry doesn't exist.
	Complete(ctx context.Context, tenantID, key string, response []byte, status int) error

	// Delete removes a single entry. Used to release a claim whose command
	// failed, so the caller's retry gets a fresh claim.
	// Returns ErrEntryNotFound if the entry doesn't exist.
	Delete(ctx context.Context, tenantID, key string) error

	// DeleteExpired removes entries whose expiry is at or before now.
	// Returns the number of entries deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// InMemoryStore implements Store with in-memory storage.
// Used for tests and embedded runs. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[memKey]*Entry
}

type memKey struct {
	tenantID string
	key      string
}

// NewInMemoryStore creates a new in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[memKey]*Entry)}
}

// Insert atomically creates a new entry.
func (s *InMemoryStore) Insert(_ context.Context, entry *Entry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{entry.TenantID, entry.Key}
	if _, exists := s.entries[k]; exists {
		return ErrEntryExists
	}

	cp := *entry
	s.entries[k] = &cp
	return nil
}

// Get retrieves an entry by tenant and key.
func (s *InMemoryStore) Get(_ context.Context, tenantID, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[memKey{tenantID, key}]
	if !ok {
		return nil, ErrEntryNotFound
	}

	cp := *entry
	return &cp, nil
}

// Complete records the cached response and marks the entry completed.
func (s *InMemoryStore) Complete(_ context.Context, tenantID, key string, response []byte, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[memKey{tenantID, key}]
	if !ok {
		return ErrEntryNotFound
	}

	entry.ResponseBody = append([]byte(nil), response...)
	entry.ResponseStatus = status
	entry.Status = StatusCompleted
	return nil
}

// Delete removes a single entry.
func (s *InMemoryStore) Delete(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{tenantID, key}
	if _, ok := s.entries[k]; !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, k)
	return nil
}

// DeleteExpired removes entries whose expiry is at or before now.
func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := int64(0)
	for k, entry := range s.entries {
		if !entry.ExpiresAt.After(now) {
			delete(s.entries, k)
			deleted++
		}
	}
	return deleted, nil
}
