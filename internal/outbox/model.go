// Package outbox implements the transactional outbox engine: enqueue with
// dedupe, conditional batch claiming with leases, ordered delivery per
// (tenant, ordering_key), retry with exponential backoff, and dead-letter
// escalation with manual replay.
package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status is the lifecycle state of an outbox event. Transitions are
// monotonic: PENDING -> IN_FLIGHT -> (PENDING|DONE|DEAD); DONE and DEAD are
// terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusDone     Status = "DONE"
	StatusDead     Status = "DEAD"
)

const (
	// DefaultMaxAttempts is the delivery budget before dead-lettering.
	DefaultMaxAttempts = 8
	// DefaultLeaseTTL is how long a claim is honored before the reaper may
	// return the event to PENDING.
	DefaultLeaseTTL = 60 * time.Second
	// DefaultBatchSize bounds one dispatcher claim.
	DefaultBatchSize = 32
	// KillSwitchParkDelay is the reschedule delay when the topic's kill
	// switch is off. Attempts are not incremented.
	KillSwitchParkDelay = 30 * time.Second
)

var (
	// ErrEventNotFound is returned when no event matches (tenant, event_id).
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrDLQEntryNotFound is returned when no DLQ entry matches.
	ErrDLQEntryNotFound = errors.New("dlq entry not found")
	// ErrInvalidEvent is returned for malformed enqueue requests.
	ErrInvalidEvent = errors.New("invalid outbox event")
	// ErrLeaseLost is returned when a worker finishes an event whose lease
	// was already reaped and reclaimed elsewhere.
	ErrLeaseLost = errors.New("outbox lease lost")
)

// Lease records which worker holds an IN_FLIGHT event and until when.
type Lease struct {
	WorkerID  string    `json:"worker_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Event is one outbox row.
type Event struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	NotBefore   time.Time `json:"not_before"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	DedupeHash  string    `json:"dedupe_hash,omitempty"`
	OrderingKey string    `json:"ordering_key,omitempty"`
	Lease       *Lease    `json:"lease,omitempty"`
}

// DLQEntry is the copy of an event taken at the moment of terminal failure.
// Retained indefinitely; Replay copies the payload back into a fresh event.
type DLQEntry struct {
	DLQID          string    `json:"dlq_id"`
	Event          Event     `json:"event"`
	FinalError     string    `json:"final_error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// DedupeHash derives a deterministic publication hash from a payload.
// Callers that enqueue the same logical event from retried requests pass the
// same hash and get the original event back.
func DedupeHash(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
