package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hostwell/relay/internal/tracing"
)

// PostgresStore implements Store on PostgreSQL. Writes upsert on the unique
// index kill_switches(tenant_id, switch_key).
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

func (s *PostgresStore) Get(ctx context.Context, tenantID, key string) (sw *Switch, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "kill_switches", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	const query = `
		SELECT tenant_id, switch_key, enabled, reason, updated_by, updated_at
		FROM kill_switches
		WHERE tenant_id = $1 AND switch_key = $2
	`
	var out Switch
	err = s.db.QueryRowContext(ctx, query, tenantID, key).Scan(
		&out.TenantID, &out.Key, &out.Enabled, &out.Reason, &out.UpdatedBy, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwitchNotFound
		}
		return nil, fmt.Errorf("get kill switch: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) Set(ctx context.Context, sw *Switch) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "kill_switches", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	const query = `
		INSERT INTO kill_switches (tenant_id, switch_key, enabled, reason, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, switch_key) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			reason = EXCLUDED.reason,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		sw.TenantID, sw.Key, sw.Enabled, sw.Reason, sw.UpdatedBy, sw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string) (switches []*Switch, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "kill_switches", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	const query = `
		SELECT tenant_id, switch_key, enabled, reason, updated_by, updated_at
		FROM kill_switches
		WHERE tenant_id = $1
		ORDER BY switch_key
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list kill switches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sw Switch
		if err = rows.Scan(&sw.TenantID, &sw.Key, &sw.Enabled, &sw.Reason, &sw.UpdatedBy, &sw.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan kill switch: %w", err)
		}
		switches = append(switches, &sw)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list kill switches: %w", err)
	}
	return switches, nil
}
