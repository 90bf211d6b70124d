// Package idempotency implements the per-tenant idempotency key ledger with
// first-writer-wins claim semantics and cached response replay.
package idempotency

import (
	"errors"
	"time"
)

// Status constants for ledger entries.
//
// StatusClaimed marks an entry whose command is still executing. StatusCompleted
// marks an entry with a persisted response; only completed entries replay.
const (
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
)

var (
	// ErrEntryNotFound is returned when an idempotency entry is not found.
	ErrEntryNotFound = errors.New("idempotency entry not found")

	// ErrEntryExists is returned when attempting to claim an already-claimed key.
	// The storage unique index is the only source of this signal.
	ErrEntryExists = errors.New("idempotency entry already exists")

	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 128 bytes")
)

// MaxKeyLength is the maximum allowed length for an idempotency key in bytes.
const MaxKeyLength = 128

// DefaultTTL is the default lifetime of a ledger entry.
const DefaultTTL = 24 * time.Hour

// Entry represents a stored idempotency claim with its cached response.
type Entry struct {
	TenantID       string    `json:"tenant_id"`
	Key            string    `json:"key"`
	ActorID        string    `json:"actor_id"`
	Fingerprint    string    `json:"fingerprint"`
	Status         string    `json:"status"`
	ClaimedAt      time.Time `json:"claimed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	ResponseStatus int       `json:"response_status,omitempty"`
}

// ValidateKey checks if an idempotency key is usable.
// Returns ErrInvalidKey for empty keys and ErrKeyTooLong past MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}
