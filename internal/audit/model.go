// Package audit provides the tamper-evident audit log: an append-only,
// per-tenant record of who-did-what-when, hash-chained so that loss or
// mutation of any record is detectable.
package audit

import (
	"errors"
	"time"
)

var (
	// ErrChainConflict is returned by a store when another writer appended a
	// record with the same prev_hash first. The appender re-reads the chain
	// head and retries.
	ErrChainConflict = errors.New("audit chain head moved")

	// ErrRecordNotFound is returned when a referenced audit record is absent.
	ErrRecordNotFound = errors.New("audit record not found")

	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("audit record is missing required fields")
)

// ZeroHash is the well-known prev_hash of the first record in a tenant chain:
// 64 zero hex characters, the width of a SHA-256 digest.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is a single audit event. Hash covers every field except Hash itself;
// PrevHash links it to the immediately preceding record of the same tenant.
type Record struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	ActorID  string         `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload,omitempty"`
	TS       time.Time      `json:"ts"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
}

// Entry is the caller-facing input for appending an audit record.
type Entry struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Payload  map[string]any
}

// Validate checks the required fields of an entry.
func (e Entry) Validate() error {
	if e.Action == "" || e.Entity == "" {
		return ErrInvalidRecord
	}
	return nil
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	OK bool `json:"ok"`
	// BreakAt is the ID of the first record whose link or hash is wrong.
	// Empty when OK.
	BreakAt string `json:"break_at,omitempty"`
	// Checked is the number of records inspected.
	Checked int `json:"checked"`
}
