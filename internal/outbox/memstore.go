package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/hostwell/relay/internal/clock"
)

type orderKey struct {
	tenantID    string
	orderingKey string
}

// InMemoryStore implements Store with mutex-guarded slices. Events keep their
// enqueue order, which doubles as the created_at tiebreak for ordered
// delivery. Used by tests and embedded runs.
type InMemoryStore struct {
	mu     sync.Mutex
	events []*Event
	byID   map[string]*Event
	dlq    []*DLQEntry
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]*Event)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, event *Event) (string, error) {
	if err := validateEnqueue(event); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.DedupeHash != "" {
		for _, e := range s.events {
			if e.TenantID == event.TenantID && e.DedupeHash == event.DedupeHash && e.Status != StatusDead {
				return e.EventID, nil
			}
		}
	}

	cp := *event
	s.events = append(s.events, &cp)
	s.byID[cp.EventID] = &cp
	return cp.EventID, nil
}

func (s *InMemoryStore) ClaimBatch(_ context.Context, workerID string, now time.Time, batchSize int, leaseTTL time.Duration) ([]*Event, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First non-terminal event per (tenant, ordering_key) is the head; only
	// the head may be claimed, and only while it is due PENDING.
	seenHead := make(map[orderKey]bool)
	var claimed []*Event

	for _, e := range s.events {
		if len(claimed) >= batchSize {
			break
		}

		isHead := true
		if e.OrderingKey != "" && (e.Status == StatusPending || e.Status == StatusInFlight) {
			k := orderKey{e.TenantID, e.OrderingKey}
			if seenHead[k] {
				isHead = false
			}
			seenHead[k] = true
		}

		if e.Status != StatusPending || e.NotBefore.After(now) || !isHead {
			continue
		}

		e.Status = StatusInFlight
		e.Lease = &Lease{WorkerID: workerID, ExpiresAt: now.Add(leaseTTL)}
		cp := *e
		cp.Lease = &Lease{WorkerID: workerID, ExpiresAt: e.Lease.ExpiresAt}
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// locateHeld returns the live event if it is IN_FLIGHT under workerID's lease.
func (s *InMemoryStore) locateHeld(tenantID, eventID, workerID string) (*Event, error) {
	e, ok := s.byID[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, ErrEventNotFound
	}
	if e.Status != StatusInFlight || e.Lease == nil || e.Lease.WorkerID != workerID {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (s *InMemoryStore) MarkDone(_ context.Context, tenantID, eventID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.locateHeld(tenantID, eventID, workerID)
	if err != nil {
		return err
	}
	e.Status = StatusDone
	e.Lease = nil
	return nil
}

func (s *InMemoryStore) Reschedule(_ context.Context, tenantID, eventID, workerID string, attempts int, notBefore time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.locateHeld(tenantID, eventID, workerID)
	if err != nil {
		return err
	}
	e.Status = StatusPending
	e.Lease = nil
	e.Attempts = attempts
	e.NotBefore = notBefore
	e.LastError = lastError
	return nil
}

func (s *InMemoryStore) MarkDead(_ context.Context, tenantID, eventID, workerID, finalError string, now time.Time) (*DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.locateHeld(tenantID, eventID, workerID)
	if err != nil {
		return nil, err
	}
	e.Status = StatusDead
	e.Lease = nil
	e.LastError = finalError

	entry := &DLQEntry{
		DLQID:          clock.NewID(),
		Event:          *e,
		FinalError:     finalError,
		DeadLetteredAt: now,
	}
	s.dlq = append(s.dlq, entry)

	cp := *entry
	return &cp, nil
}

func (s *InMemoryStore) ReapExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int64
	for _, e := range s.events {
		if e.Status == StatusInFlight && e.Lease != nil && e.Lease.ExpiresAt.Before(now) {
			e.Status = StatusPending
			e.Lease = nil
			reaped++
		}
	}
	return reaped, nil
}

func (s *InMemoryStore) Get(_ context.Context, tenantID, eventID string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok || e.TenantID != tenantID {
		return nil, ErrEventNotFound
	}
	cp := *e
	if e.Lease != nil {
		lease := *e.Lease
		cp.Lease = &lease
	}
	return &cp, nil
}

func (s *InMemoryStore) ListDLQ(_ context.Context, tenantID string, limit int) ([]*DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*DLQEntry
	for i := len(s.dlq) - 1; i >= 0; i-- {
		if s.dlq[i].Event.TenantID != tenantID {
			continue
		}
		cp := *s.dlq[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetDLQ(_ context.Context, tenantID, dlqID string) (*DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.dlq {
		if entry.DLQID == dlqID && entry.Event.TenantID == tenantID {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, ErrDLQEntryNotFound
}
