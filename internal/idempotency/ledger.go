package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hostwell/relay/internal/clock"
	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/tracing"
)

// Outcome is the result class of a claim attempt.
type Outcome string

const (
	// OutcomeClaimed means this caller is the first writer and must execute
	// the command.
	OutcomeClaimed Outcome = "CLAIMED"
	// OutcomeReplay means an identical request already completed; the cached
	// response must be returned verbatim and the command MUST NOT re-execute.
	OutcomeReplay Outcome = "REPLAY"
	// OutcomeInProgress means an identical request holds the claim but has not
	// completed yet. Callers should retry after a short delay.
	OutcomeInProgress Outcome = "IN_PROGRESS"
)

// Result describes the outcome of a Claim call.
type Result struct {
	Outcome Outcome

	// CachedResponse and CachedStatus are populated for OutcomeReplay.
	CachedResponse []byte
	CachedStatus   int
}

// Ledger coordinates idempotency claims over a Store.
type Ledger struct {
	store   Store
	clock   clock.Clock
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// NewLedger creates a Ledger. A zero ttl falls back to DefaultTTL and a nil
// clock to the system clock.
func NewLedger(store Store, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, clock: clk, ttl: ttl, logger: logger}
}

// SetMetrics attaches ledger metrics. Call once during wiring, before the
// ledger serves traffic.
func (l *Ledger) SetMetrics(m *Metrics) {
	l.metrics = m
}

// Claim attempts to claim (tenant, key) for the request identified by
// fingerprint. Exactly one of three things happens:
//
//   - first writer: the entry is created and OutcomeClaimed returned;
//   - duplicate with identical fingerprint: OutcomeReplay with the cached
//     response, or OutcomeInProgress when the original has not completed;
//   - duplicate with different fingerprint: an IDEMPOTENCY_MISMATCH client
//     error.
//
// The storage unique-key violation is the ONLY signal distinguishing the
// first writer from the duplicate branch; any other storage error propagates.
func (l *Ledger) Claim(ctx context.Context, tenantID, key, actorID, fingerprint string) (*Result, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "idempotency.claim")
	res, err := l.claim(ctx, tenantID, key, actorID, fingerprint)
	endSpan(err)
	return res, err
}

func (l *Ledger) claim(ctx context.Context, tenantID, key, actorID, fingerprint string) (*Result, error) {
	if key == "" {
		return nil, relayerr.New(relayerr.KindClient, relayerr.CodeMissingIdempotencyKey, "idempotency key is required")
	}
	if err := ValidateKey(key); err != nil {
		return nil, relayerr.Wrap(relayerr.KindClient, relayerr.CodeMissingIdempotencyKey, "unusable idempotency key", err)
	}

	now := l.clock.Now()
	entry := &Entry{
		TenantID:    tenantID,
		Key:         key,
		ActorID:     actorID,
		Fingerprint: fingerprint,
		Status:      StatusClaimed,
		ClaimedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}

	err := l.store.Insert(ctx, entry)
	if err == nil {
		l.logger.DebugContext(ctx, "idempotency key claimed",
			"tenant_id", tenantID, "key", key, "actor_id", actorID)
		l.metrics.observeClaim("claimed")
		return &Result{Outcome: OutcomeClaimed}, nil
	}
	if !errors.Is(err, ErrEntryExists) {
		return nil, err
	}

	existing, err := l.store.Get(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			// Lost a race with the sweeper between insert and read; the claim
			// window reopened, so take it again.
			return l.claim(ctx, tenantID, key, actorID, fingerprint)
		}
		return nil, err
	}

	if existing.Fingerprint != fingerprint {
		l.logger.WarnContext(ctx, "idempotency key reused with different body",
			"tenant_id", tenantID, "key", key)
		l.metrics.observeClaim("conflict")
		return nil, relayerr.New(relayerr.KindClient, relayerr.CodeIdempotencyMismatch,
			"idempotency key reused with a different request body")
	}

	if existing.Status != StatusCompleted {
		l.metrics.observeClaim("in_progress")
		return &Result{Outcome: OutcomeInProgress}, nil
	}

	l.logger.InfoContext(ctx, "idempotency replay",
		"tenant_id", tenantID, "key", key, "status", existing.ResponseStatus)
	l.metrics.observeClaim("replay")
	return &Result{
		Outcome:        OutcomeReplay,
		CachedResponse: existing.ResponseBody,
		CachedStatus:   existing.ResponseStatus,
	}, nil
}

// Complete records the response for a claimed key and marks it finished.
// Subsequent identical claims replay this response until the entry expires.
func (l *Ledger) Complete(ctx context.Context, tenantID, key string, response []byte, status int) error {
	ctx, endSpan := tracing.StartSpan(ctx, "idempotency.complete")
	err := l.store.Complete(ctx, tenantID, key, response, status)
	endSpan(err)
	return err
}

// Release drops a claim whose command failed before completing, so the
// caller's retry gets a fresh claim instead of waiting out the TTL. Releasing
// an already-deleted entry is not an error.
func (l *Ledger) Release(ctx context.Context, tenantID, key string) error {
	ctx, endSpan := tracing.StartSpan(ctx, "idempotency.release")
	err := l.store.Delete(ctx, tenantID, key)
	if errors.Is(err, ErrEntryNotFound) {
		err = nil
	}
	if err == nil {
		l.metrics.observeRelease()
	}
	endSpan(err)
	return err
}

// Sweep removes entries whose TTL has elapsed, including claimed-but-never-
// completed entries. Clients that retry after the TTL get a fresh claim; the
// side-effect guarantee relies on handler idempotency, not the ledger alone.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	deleted, err := l.store.DeleteExpired(ctx, l.clock.Now())
	if err != nil {
		l.logger.ErrorContext(ctx, "idempotency sweep failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		l.logger.InfoContext(ctx, "swept expired idempotency entries", "deleted", deleted)
	}
	l.metrics.observeSwept(deleted)
	return deleted, nil
}

// TTL returns the configured entry lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }
