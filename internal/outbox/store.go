package outbox

import (
	"context"
	"time"
)

// Store persists outbox events and their DLQ mirrors. All mutual exclusion
// between dispatchers and workers is expressed as conditional updates here;
// the engine holds no locks of its own.
type Store interface {
	// Enqueue inserts a PENDING event. When the event carries a dedupe hash
	// that collides with an existing non-DEAD event for the tenant, no row is
	// written and the prior event's ID is returned.
	Enqueue(ctx context.Context, event *Event) (eventID string, err error)

	// ClaimBatch atomically moves up to batchSize due PENDING events to
	// IN_FLIGHT, stamping the worker's lease. Events whose ordering key has
	// any earlier PENDING or IN_FLIGHT event for the same tenant are
	// excluded, so ordered streams deliver strictly head-first.
	ClaimBatch(ctx context.Context, workerID string, now time.Time, batchSize int, leaseTTL time.Duration) ([]*Event, error)

	// MarkDone completes an IN_FLIGHT event held by workerID.
	// Returns ErrLeaseLost when the lease was reaped in the meantime.
	MarkDone(ctx context.Context, tenantID, eventID, workerID string) error

	// Reschedule returns an IN_FLIGHT event held by workerID to PENDING with
	// the given attempt count, earliest next attempt, and last error.
	Reschedule(ctx context.Context, tenantID, eventID, workerID string, attempts int, notBefore time.Time, lastError string) error

	// MarkDead moves an IN_FLIGHT event held by workerID to DEAD and inserts
	// its DLQ mirror in the same transaction. The DEAD row remains in the
	// outbox table.
	MarkDead(ctx context.Context, tenantID, eventID, workerID, finalError string, now time.Time) (*DLQEntry, error)

	// ReapExpiredLeases returns IN_FLIGHT events with expired leases to
	// PENDING. Attempts are unchanged.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// Get fetches one event.
	Get(ctx context.Context, tenantID, eventID string) (*Event, error)

	// ListDLQ returns the tenant's DLQ entries, newest first.
	ListDLQ(ctx context.Context, tenantID string, limit int) ([]*DLQEntry, error)

	// GetDLQ fetches one DLQ entry.
	GetDLQ(ctx context.Context, tenantID, dlqID string) (*DLQEntry, error)
}

func validateEnqueue(event *Event) error {
	if event == nil || event.TenantID == "" || event.Topic == "" {
		return ErrInvalidEvent
	}
	return nil
}
