package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hostwell/relay/internal/tracing"
)

// uniqueViolation is the PostgreSQL error code for unique index violations.
const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. The unique index
// idempotency_keys(tenant_id, key) enforces the first-writer-wins invariant;
// the 23505 violation maps to ErrEntryExists and is the only signal the
// ledger uses to detect duplicates.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Insert atomically creates a new entry.
func (s *PostgresStore) Insert(ctx context.Context, entry *Entry) (err error) {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	const query = `
		INSERT INTO idempotency_keys
			(tenant_id, key, actor_id, fingerprint, status, claimed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.TenantID, entry.Key, entry.ActorID, entry.Fingerprint,
		entry.Status, entry.ClaimedAt, entry.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrEntryExists
		}
		return fmt.Errorf("insert idempotency entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by tenant and key.
func (s *PostgresStore) Get(ctx context.Context, tenantID, key string) (entry *Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	const query = `
		SELECT tenant_id, key, actor_id, fingerprint, status, claimed_at, expires_at,
		       response_body, response_status
		FROM idempotency_keys
		WHERE tenant_id = $1 AND key = $2
	`
	var (
		e      Entry
		body   []byte
		status sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, query, tenantID, key).Scan(
		&e.TenantID, &e.Key, &e.ActorID, &e.Fingerprint, &e.Status,
		&e.ClaimedAt, &e.ExpiresAt, &body, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("get idempotency entry: %w", err)
	}

	e.ResponseBody = body
	if status.Valid {
		e.ResponseStatus = int(status.Int64)
	}
	return &e, nil
}

// Complete records the cached response and marks the entry completed.
func (s *PostgresStore) Complete(ctx context.Context, tenantID, key string, response []byte, status int) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	const query = `
		UPDATE idempotency_keys
		SET response_body = $3, response_status = $4, status = $5
		WHERE tenant_id = $1 AND key = $2
	`
	res, err := s.db.ExecContext(ctx, query, tenantID, key, response, status, StatusCompleted)
	if err != nil {
		return fmt.Errorf("complete idempotency entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency entry: %w", err)
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Delete removes a single entry.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, key string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	if err != nil {
		return fmt.Errorf("delete idempotency entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete idempotency entry: %w", err)
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// DeleteExpired removes entries whose expiry is at or before now.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (deleted int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency entries: %w", err)
	}
	return res.RowsAffected()
}
