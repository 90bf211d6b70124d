package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hostwell/relay/internal/clock"
	"github.com/hostwell/relay/internal/tracing"
)

// uniqueViolation is the PostgreSQL error code for unique index violations.
const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. Claims rely on
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never take the same row;
// the partial unique index on (tenant_id, dedupe_hash) enforces
// single-publication among non-DEAD events.
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertEventQuery = `
	INSERT INTO outbox
		(event_id, tenant_id, topic, payload, created_at, not_before,
		 attempts, max_attempts, status, dedupe_hash, ordering_key)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
`

func (s *PostgresStore) Enqueue(ctx context.Context, event *Event) (id string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	return s.enqueue(ctx, s.db, event)
}

// EnqueueTx inserts the event inside the caller's transaction so the outbox
// write commits or rolls back together with the business write.
func (s *PostgresStore) EnqueueTx(ctx context.Context, tx *sql.Tx, event *Event) (id string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	return s.enqueue(ctx, tx, event)
}

func (s *PostgresStore) enqueue(ctx context.Context, q execer, event *Event) (string, error) {
	if err := validateEnqueue(event); err != nil {
		return "", err
	}

	_, err := q.ExecContext(ctx, insertEventQuery,
		event.EventID, event.TenantID, event.Topic, event.Payload,
		event.CreatedAt, event.NotBefore, event.Attempts, event.MaxAttempts,
		event.Status, event.DedupeHash, event.OrderingKey)
	if err == nil {
		return event.EventID, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation || event.DedupeHash == "" {
		return "", fmt.Errorf("insert outbox event: %w", err)
	}

	// Dedupe collision: hand back the prior publication's ID.
	var prior string
	err = q.QueryRowContext(ctx,
		`SELECT event_id FROM outbox
		 WHERE tenant_id = $1 AND dedupe_hash = $2 AND status <> $3`,
		event.TenantID, event.DedupeHash, StatusDead).Scan(&prior)
	if err != nil {
		return "", fmt.Errorf("resolve deduplicated outbox event: %w", err)
	}
	return prior, nil
}

// claimQuery picks due PENDING rows whose ordering key (if any) has no
// earlier live row for the same tenant, locks them, and stamps the lease.
// seq is the insertion tiebreak for identical created_at values.
const claimQuery = `
	WITH due AS (
		SELECT o.event_id
		FROM outbox o
		WHERE o.status = $1
		  AND o.not_before <= $2
		  AND (o.ordering_key = '' OR NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.tenant_id = o.tenant_id
			  AND p.ordering_key = o.ordering_key
			  AND p.status IN ($1, $3)
			  AND p.seq < o.seq
		  ))
		ORDER BY o.seq
		LIMIT $4
		FOR UPDATE OF o SKIP LOCKED
	)
	UPDATE outbox SET status = $3, lease_worker = $5, lease_expires = $6
	WHERE event_id IN (SELECT event_id FROM due)
	RETURNING event_id, tenant_id, topic, payload, created_at, not_before,
	          attempts, max_attempts, status, last_error,
	          COALESCE(dedupe_hash, ''), ordering_key, lease_worker, lease_expires
`

func (s *PostgresStore) ClaimBatch(ctx context.Context, workerID string, now time.Time, batchSize int, leaseTTL time.Duration) (claimed []*Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	rows, err := s.db.QueryContext(ctx, claimQuery,
		StatusPending, now, StatusInFlight, batchSize, workerID, now.Add(leaseTTL))
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e            Event
			lastError    sql.NullString
			leaseWorker  sql.NullString
			leaseExpires sql.NullTime
		)
		err = rows.Scan(&e.EventID, &e.TenantID, &e.Topic, &e.Payload,
			&e.CreatedAt, &e.NotBefore, &e.Attempts, &e.MaxAttempts,
			&e.Status, &lastError, &e.DedupeHash, &e.OrderingKey,
			&leaseWorker, &leaseExpires)
		if err != nil {
			return nil, fmt.Errorf("scan claimed outbox event: %w", err)
		}
		e.LastError = lastError.String
		if leaseWorker.Valid {
			e.Lease = &Lease{WorkerID: leaseWorker.String, ExpiresAt: leaseExpires.Time}
		}
		claimed = append(claimed, &e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkDone(ctx context.Context, tenantID, eventID, workerID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = $4, lease_worker = NULL, lease_expires = NULL
		WHERE tenant_id = $1 AND event_id = $2
		  AND status = $5 AND lease_worker = $3`,
		tenantID, eventID, workerID, StatusDone, StatusInFlight)
	if err != nil {
		return fmt.Errorf("complete outbox event: %w", err)
	}
	return s.heldRowAffected(ctx, res, tenantID, eventID)
}

func (s *PostgresStore) Reschedule(ctx context.Context, tenantID, eventID, workerID string, attempts int, notBefore time.Time, lastError string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = $4, attempts = $6, not_before = $7, last_error = $8,
		    lease_worker = NULL, lease_expires = NULL
		WHERE tenant_id = $1 AND event_id = $2
		  AND status = $5 AND lease_worker = $3`,
		tenantID, eventID, workerID, StatusPending, StatusInFlight,
		attempts, notBefore, lastError)
	if err != nil {
		return fmt.Errorf("reschedule outbox event: %w", err)
	}
	return s.heldRowAffected(ctx, res, tenantID, eventID)
}

func (s *PostgresStore) MarkDead(ctx context.Context, tenantID, eventID, workerID, finalError string, now time.Time) (entry *DLQEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox_dlq", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	var e Event
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, `
		UPDATE outbox
		SET status = $4, last_error = $6, lease_worker = NULL, lease_expires = NULL
		WHERE tenant_id = $1 AND event_id = $2
		  AND status = $5 AND lease_worker = $3
		RETURNING event_id, tenant_id, topic, payload, created_at, not_before,
		          attempts, max_attempts, status, last_error,
		          COALESCE(dedupe_hash, ''), ordering_key`,
		tenantID, eventID, workerID, StatusDead, StatusInFlight, finalError).Scan(
		&e.EventID, &e.TenantID, &e.Topic, &e.Payload, &e.CreatedAt, &e.NotBefore,
		&e.Attempts, &e.MaxAttempts, &e.Status, &lastError, &e.DedupeHash, &e.OrderingKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.resolveHeldFailure(ctx, tenantID, eventID)
		}
		return nil, fmt.Errorf("dead-letter outbox event: %w", err)
	}
	e.LastError = lastError.String

	dlqID := clock.NewID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_dlq
			(dlq_id, event_id, tenant_id, topic, payload, created_at,
			 attempts, max_attempts, ordering_key, dedupe_hash, final_error, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)`,
		dlqID, e.EventID, e.TenantID, e.Topic, e.Payload, e.CreatedAt,
		e.Attempts, e.MaxAttempts, e.OrderingKey, e.DedupeHash, finalError, now)
	if err != nil {
		return nil, fmt.Errorf("insert dlq entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dead-letter transaction: %w", err)
	}
	return &DLQEntry{DLQID: dlqID, Event: e, FinalError: finalError, DeadLetteredAt: now}, nil
}

func (s *PostgresStore) ReapExpiredLeases(ctx context.Context, now time.Time) (reaped int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = $1, lease_worker = NULL, lease_expires = NULL
		WHERE status = $2 AND lease_expires < $3`,
		StatusPending, StatusInFlight, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, eventID string) (event *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		e            Event
		lastError    sql.NullString
		leaseWorker  sql.NullString
		leaseExpires sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, topic, payload, created_at, not_before,
		       attempts, max_attempts, status, last_error,
		       COALESCE(dedupe_hash, ''), ordering_key, lease_worker, lease_expires
		FROM outbox
		WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID).Scan(
		&e.EventID, &e.TenantID, &e.Topic, &e.Payload, &e.CreatedAt, &e.NotBefore,
		&e.Attempts, &e.MaxAttempts, &e.Status, &lastError, &e.DedupeHash,
		&e.OrderingKey, &leaseWorker, &leaseExpires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	e.LastError = lastError.String
	if leaseWorker.Valid {
		e.Lease = &Lease{WorkerID: leaseWorker.String, ExpiresAt: leaseExpires.Time}
	}
	return &e, nil
}

func (s *PostgresStore) ListDLQ(ctx context.Context, tenantID string, limit int) (entries []*DLQEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox_dlq", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT dlq_id, event_id, tenant_id, topic, payload, created_at,
		       attempts, max_attempts, ordering_key, COALESCE(dedupe_hash, ''),
		       final_error, dead_lettered_at
		FROM outbox_dlq
		WHERE tenant_id = $1
		ORDER BY dead_lettered_at DESC
		LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetDLQ(ctx context.Context, tenantID, dlqID string) (entry *DLQEntry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "outbox_dlq", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT dlq_id, event_id, tenant_id, topic, payload, created_at,
		       attempts, max_attempts, ordering_key, COALESCE(dedupe_hash, ''),
		       final_error, dead_lettered_at
		FROM outbox_dlq
		WHERE tenant_id = $1 AND dlq_id = $2`,
		tenantID, dlqID)
	entry, err = scanDLQEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDLQEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDLQEntry(row rowScanner) (*DLQEntry, error) {
	var entry DLQEntry
	err := row.Scan(&entry.DLQID, &entry.Event.EventID, &entry.Event.TenantID,
		&entry.Event.Topic, &entry.Event.Payload, &entry.Event.CreatedAt,
		&entry.Event.Attempts, &entry.Event.MaxAttempts, &entry.Event.OrderingKey,
		&entry.Event.DedupeHash, &entry.FinalError, &entry.DeadLetteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dlq entry: %w", err)
	}
	entry.Event.Status = StatusDead
	entry.Event.LastError = entry.FinalError
	return &entry, nil
}

// heldRowAffected distinguishes a vanished row from a lost lease after a
// conditional update touched nothing.
func (s *PostgresStore) heldRowAffected(ctx context.Context, res sql.Result, tenantID, eventID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox update result: %w", err)
	}
	if affected > 0 {
		return nil
	}
	return s.resolveHeldFailure(ctx, tenantID, eventID)
}

func (s *PostgresStore) resolveHeldFailure(ctx context.Context, tenantID, eventID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbox WHERE tenant_id = $1 AND event_id = $2)`,
		tenantID, eventID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("resolve outbox update failure: %w", err)
	}
	if !exists {
		return ErrEventNotFound
	}
	return ErrLeaseLost
}
