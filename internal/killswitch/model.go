// Package killswitch implements per-tenant feature gates keyed by dotted
// action names (e.g. "payments.capture"). Absence of a record means the
// feature is on; only an explicit enabled=false forbids the action.
package killswitch

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrSwitchNotFound is returned when no record exists for (tenant, key).
	ErrSwitchNotFound = errors.New("kill switch not found")
	// ErrInvalidKey is returned for malformed switch keys.
	ErrInvalidKey = errors.New("invalid switch key")
)

// MaxKeyLength bounds switch key size in bytes.
const MaxKeyLength = 128

// Switch is one (tenant, key) gate.
type Switch struct {
	TenantID  string    `json:"tenant_id"`
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateKey checks that a switch key is a non-empty dotted name.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\n") {
		return ErrInvalidKey
	}
	return nil
}
