package audit

import (
	"context"
	"sync"
)

// Store defines audit record persistence. Besides append-only inserts it
// enforces one invariant: (tenant_id, prev_hash) is unique, which serializes
// concurrent appenders — exactly one writer extends a given chain head, the
// loser sees ErrChainConflict and retries from the new head.
type Store interface {
	// Append inserts a record. Returns ErrChainConflict when another record
	// for the tenant already carries the same prev_hash.
	Append(ctx context.Context, record *Record) error

	// LastHash returns the hash of the newest record for the tenant, or
	// ZeroHash when the tenant has no records.
	LastHash(ctx context.Context, tenantID string) (string, error)

	// Range returns the tenant's records in chain order, optionally bounded
	// by record IDs (inclusive). Empty bounds mean the chain start/end.
	Range(ctx context.Context, tenantID, fromID, toID string) ([]*Record, error)
}

// InMemoryStore is an in-memory Store for tests and embedded runs.
// Thread-safe via RWMutex.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Record
	heads  map[string]map[string]bool // tenant -> prev_hash values already used
}

// NewInMemoryStore creates a new in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chains: make(map[string][]*Record),
		heads:  make(map[string]map[string]bool),
	}
}

// Append inserts a record, enforcing the unique (tenant, prev_hash) invariant.
func (s *InMemoryStore) Append(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.heads[record.TenantID]
	if used == nil {
		used = make(map[string]bool)
		s.heads[record.TenantID] = used
	}
	if used[record.PrevHash] {
		return ErrChainConflict
	}

	cp := *record
	s.chains[record.TenantID] = append(s.chains[record.TenantID], &cp)
	used[record.PrevHash] = true
	return nil
}

// LastHash returns the hash of the newest record for the tenant.
func (s *InMemoryStore) LastHash(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return ZeroHash, nil
	}
	return chain[len(chain)-1].Hash, nil
}

// Range returns the tenant's records in chain order.
func (s *InMemoryStore) Range(_ context.Context, tenantID, fromID, toID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[tenantID]
	start, end := 0, len(chain)

	if fromID != "" {
		idx := indexByID(chain, fromID)
		if idx == -1 {
			return nil, ErrRecordNotFound
		}
		start = idx
	}
	if toID != "" {
		idx := indexByID(chain, toID)
		if idx == -1 {
			return nil, ErrRecordNotFound
		}
		end = idx + 1
	}
	if start > end {
		return nil, nil
	}

	out := make([]*Record, 0, end-start)
	for _, r := range chain[start:end] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func indexByID(chain []*Record, id string) int {
	for i, r := range chain {
		if r.ID == id {
			return i
		}
	}
	return -1
}
