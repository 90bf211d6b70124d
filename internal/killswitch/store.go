package killswitch

import (
	"context"
	"sync"
)

// Store persists kill switches. Get returns ErrSwitchNotFound when no record
// exists, which callers interpret as default-on.
type Store interface {
	Get(ctx context.Context, tenantID, key string) (*Switch, error)
	Set(ctx context.Context, sw *Switch) error
	List(ctx context.Context, tenantID string) ([]*Switch, error)
}

type memKey struct {
	tenantID string
	key      string
}

// InMemoryStore implements Store with a mutex-guarded map. Used by tests and
// embedded runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	switches map[memKey]*Switch
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{switches: make(map[memKey]*Switch)}
}

func (s *InMemoryStore) Get(_ context.Context, tenantID, key string) (*Switch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, ok := s.switches[memKey{tenantID, key}]
	if !ok {
		return nil, ErrSwitchNotFound
	}
	cp := *sw
	return &cp, nil
}

func (s *InMemoryStore) Set(_ context.Context, sw *Switch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sw
	s.switches[memKey{sw.TenantID, sw.Key}] = &cp
	return nil
}

func (s *InMemoryStore) List(_ context.Context, tenantID string) ([]*Switch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Switch
	for k, sw := range s.switches {
		if k.tenantID == tenantID {
			cp := *sw
			out = append(out, &cp)
		}
	}
	return out, nil
}
