package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostwell/relay/internal/clock"
	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/tracing"
)

// maxAppendRetries bounds how many times an appender re-reads the chain head
// after losing the (tenant, prev_hash) race before giving up.
const maxAppendRetries = 16

// ReanchorAction is the action recorded when an operator re-anchors a chain.
const ReanchorAction = "audit.chain_reanchored"

// Log is the audit log facade: redaction, hash chaining, and conflict-retry
// live here; durability lives in the Store.
type Log struct {
	store    Store
	clock    clock.Clock
	redactor *Redactor
	logger   *slog.Logger
}

// NewLog creates a Log. A nil redactor gets the default PII field set.
func NewLog(store Store, clk clock.Clock, redactor *Redactor, logger *slog.Logger) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, clock: clk, redactor: redactor, logger: logger}
}

// Append durably records an audit event and returns its ID. PII payload
// fields are redacted before hashing so the stored record and its hash agree.
//
// If the write fails the caller's operation MUST fail too; audit loss is
// never silent.
func (l *Log) Append(ctx context.Context, tenantID string, entry Entry) (string, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "audit.append")
	id, err := l.append(ctx, tenantID, entry)
	endSpan(err)
	return id, err
}

func (l *Log) append(ctx context.Context, tenantID string, entry Entry) (string, error) {
	if tenantID == "" {
		return "", ErrInvalidRecord
	}
	if err := entry.Validate(); err != nil {
		return "", err
	}

	// The timestamp is truncated to the precision the ts column keeps, so a
	// record read back from storage hashes to the same link it was written with.
	record := &Record{
		ID:       clock.NewID(),
		TenantID: tenantID,
		ActorID:  entry.ActorID,
		Action:   entry.Action,
		Entity:   entry.Entity,
		EntityID: entry.EntityID,
		Payload:  l.redactor.Redact(entry.Payload),
		TS:       l.clock.Now().Truncate(time.Microsecond),
	}

	// Writers read the head, compute the link, and insert; the unique
	// (tenant, prev_hash) index serializes them. A loser retries from the
	// winner's new head.
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		prevHash, err := l.store.LastHash(ctx, tenantID)
		if err != nil {
			return "", fmt.Errorf("read audit chain head: %w", err)
		}

		record.PrevHash = prevHash
		record.Hash, err = ComputeHash(prevHash, record)
		if err != nil {
			return "", fmt.Errorf("compute audit hash: %w", err)
		}

		err = l.store.Append(ctx, record)
		if err == nil {
			l.logger.DebugContext(ctx, "audit record appended",
				"tenant_id", tenantID, "audit_id", record.ID, "action", record.Action)
			return record.ID, nil
		}
		if !errors.Is(err, ErrChainConflict) {
			return "", fmt.Errorf("append audit record: %w", err)
		}
	}

	return "", relayerr.Newf(relayerr.KindTransient, relayerr.CodeStorageTimeout,
		"audit append contended %d times on tenant %s", maxAppendRetries, tenantID)
}

// Verify walks the tenant's chain between fromID and toID (inclusive, empty
// meaning chain start/end) and recomputes every hash link. It reports the
// first broken record but does not repair.
func (l *Log) Verify(ctx context.Context, tenantID, fromID, toID string) (VerifyResult, error) {
	records, err := l.store.Range(ctx, tenantID, fromID, toID)
	if err != nil {
		return VerifyResult{}, err
	}

	anchor := ZeroHash
	if fromID != "" && len(records) > 0 {
		// A mid-chain walk can only be self-anchored: the first record's own
		// prev_hash is taken on faith, every later link is checked.
		anchor = records[0].PrevHash
	}

	result := VerifyChain(anchor, records)
	if !result.OK {
		l.logger.ErrorContext(ctx, "audit chain break detected",
			"tenant_id", tenantID, "break_at", result.BreakAt)
	}
	return result, nil
}

// Reanchor explicitly extends the chain from its current head with an
// administrative record acknowledging a break. It is the only sanctioned way
// to resume appends after Verify reports a broken chain; nothing is repaired
// or rewritten.
func (l *Log) Reanchor(ctx context.Context, tenantID, actorID, reason string) (string, error) {
	if reason == "" {
		return "", relayerr.New(relayerr.KindClient, relayerr.CodeForbidden,
			"reanchor requires an explicit reason")
	}
	return l.Append(ctx, tenantID, Entry{
		ActorID:  actorID,
		Action:   ReanchorAction,
		Entity:   "audit_chain",
		EntityID: tenantID,
		Payload:  map[string]any{"reason": reason},
	})
}
