// Package errors provides the structured error taxonomy shared by the relay
// core. Every error carries a kind, a stable code, a message, and a retryable
// flag so that the engine, the HTTP boundary, and callers agree on how a
// failure propagates.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies errors by how the core reacts to them.
type Kind string

const (
	// KindClient marks caller mistakes. Surfaced verbatim, never retried.
	KindClient Kind = "CLIENT"
	// KindTransient marks recoverable failures. The outbox engine swallows
	// these and schedules a retry; the enqueue path surfaces them.
	KindTransient Kind = "TRANSIENT"
	// KindFatal marks failures that move an event to the dead-letter queue.
	KindFatal Kind = "FATAL"
	// KindIntegrity marks invariant violations. Never recovered silently.
	KindIntegrity Kind = "INTEGRITY"
)

// Stable error codes for each kind.
const (
	// Client codes
	CodeMissingIdempotencyKey = "MISSING_IDEMPOTENCY_KEY"
	CodeIdempotencyMismatch   = "IDEMPOTENCY_MISMATCH"
	CodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	CodeFeatureDisabled       = "FEATURE_DISABLED"
	CodeForbidden             = "FORBIDDEN"

	// Transient codes
	CodeStorageTimeout = "STORAGE_TIMEOUT"
	CodeLeaseLost      = "LEASE_LOST"

	// Fatal codes
	CodeUnknownTopic = "UNKNOWN_TOPIC"
	CodeHandlerFatal = "HANDLER_FATAL"

	// Integrity codes
	CodeChainBroken    = "AUDIT_CHAIN_BROKEN"
	CodeInvariantBreak = "INVARIANT_VIOLATION"
)

// Error is the structured error type used throughout the relay core.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return false
}

// New creates a new Error. The retryable flag is derived from the kind:
// only transient errors are retryable.
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: kind == KindTransient,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: kind == KindTransient,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of an error, or an empty Kind when the error
// (or its chain) is not a relay error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the stable code of an error, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Foreign errors are treated as retryable: an unclassified storage failure
// must not dead-letter an event.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsClient reports whether an error is a caller mistake.
func IsClient(err error) bool { return KindOf(err) == KindClient }

// IsIntegrity reports whether an error is an invariant violation.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }
