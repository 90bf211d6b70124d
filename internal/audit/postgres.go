package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/hostwell/relay/internal/tracing"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. The unique index
// audit_log(tenant_id, prev_hash) serializes concurrent appenders.
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

// Append inserts a record.
func (s *PostgresStore) Append(ctx context.Context, record *Record) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	const query = `
		INSERT INTO audit_log
			(id, tenant_id, actor_id, action, entity, entity_id, payload, ts, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.TenantID, record.ActorID, record.Action,
		record.Entity, record.EntityID, payload, record.TS,
		record.PrevHash, record.Hash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrChainConflict
		}
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// LastHash returns the hash of the newest record for the tenant.
func (s *PostgresStore) LastHash(ctx context.Context, tenantID string) (hash string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	const query = `
		SELECT hash FROM audit_log
		WHERE tenant_id = $1
		ORDER BY ts DESC, seq DESC
		LIMIT 1
	`
	err = s.db.QueryRowContext(ctx, query, tenantID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ZeroHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit chain head: %w", err)
	}
	return hash, nil
}

// Range returns the tenant's records in chain order, optionally bounded by
// record IDs (inclusive).
func (s *PostgresStore) Range(ctx context.Context, tenantID, fromID, toID string) (records []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_log", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	const query = `
		SELECT id, tenant_id, actor_id, action, entity, entity_id, payload, ts, prev_hash, hash
		FROM audit_log
		WHERE tenant_id = $1
		  AND ($2 = '' OR seq >= (SELECT seq FROM audit_log WHERE tenant_id = $1 AND id = $2))
		  AND ($3 = '' OR seq <= (SELECT seq FROM audit_log WHERE tenant_id = $1 AND id = $3))
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("range audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       Record
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ActorID, &r.Action,
			&r.Entity, &r.EntityID, &payload, &r.TS, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload: %w", err)
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("range audit records: %w", err)
	}

	// An explicit bound that matched nothing means the ID does not exist.
	if len(records) == 0 && (fromID != "" || toID != "") {
		return nil, ErrRecordNotFound
	}
	return records, nil
}
