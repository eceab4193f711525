// Package storage persists operation records in Postgres. The op log is the
// durable source of truth hosts replay on startup; replicas that were offline
// catch up from it before rejoining live broadcast.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/shared-state-engine/internal/types"
)

// SnapshotRef points at a document snapshot stored in object storage and the
// op-log position it covers.
type SnapshotRef struct {
	Document    types.DocumentID  `json:"document_id"`
	OperationID types.OperationID `json:"operation_id"`
	ObjectPath  string            `json:"object_path"`
	LastLSN     int64             `json:"last_lsn"`
	CreatedAt   time.Time         `json:"created_at"`
}

// OpLog provides persistence for operation records plus recovery helpers.
type OpLog struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the op log.
type Option func(*OpLog)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(l *OpLog) {
		l.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(l *OpLog) {
		l.retryDelay = d
	}
}

// NewOpLog constructs an op log using the provided Postgres pool.
func NewOpLog(pool *pgxpool.Pool, opts ...Option) *OpLog {
	l := &OpLog{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append durably stores an operation record and returns the assigned LSN. The
// insert runs in a transaction and transient failures are retried.
func (l *OpLog) Append(ctx context.Context, record types.Record) (int64, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	defer func() {
		appendLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	}()

	var lsn int64
	err := l.retry(ctx, func(ctx context.Context) error {
		tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO document_operations (document_id, op_id, site_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING lsn`,
			record.Document, record.Operation, record.Site, record.Payload, record.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	return lsn, nil
}

// ActiveDocuments returns the set of documents with op log entries.
func (l *OpLog) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_operations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans records for a document in LSN order starting after
// fromLSN, invoking the handler for each.
func (l *OpLog) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.Record) error) error {
	start := time.Now()
	defer func() {
		replayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	rows, err := l.pool.Query(ctx, `
                SELECT lsn, document_id, op_id, site_id, payload, created_at
                FROM document_operations
                WHERE document_id = $1 AND lsn > $2
                ORDER BY lsn`, docID, fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lsn        int64
			documentID string
			opID       string
			siteID     string
			payload    []byte
			createdAt  time.Time
		)
		if err := rows.Scan(&lsn, &documentID, &opID, &siteID, &payload, &createdAt); err != nil {
			return err
		}

		record := types.Record{
			LSN:       lsn,
			Operation: types.OperationID(opID),
			Document:  types.DocumentID(documentID),
			Site:      types.SiteID(siteID),
			Payload:   payload,
			CreatedAt: createdAt,
		}

		if err := handler(record); err != nil {
			return err
		}
	}

	return rows.Err()
}

// OperationCountAfterLSN counts how many records a document has accumulated
// past the given position.
func (l *OpLog) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := l.pool.QueryRow(ctx, `
                SELECT count(*) FROM document_operations WHERE document_id = $1 AND lsn > $2
        `, docID, lsn).Scan(&count)
	return count, err
}

// RecordBacklogMetric publishes the current backlog gauge for a document.
func (l *OpLog) RecordBacklogMetric(docID types.DocumentID, backlog int64) {
	backlogEntries.WithLabelValues(string(docID)).Set(float64(backlog))
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (l *OpLog) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := l.pool.QueryRow(ctx, `
                SELECT last_lsn FROM document_checkpoints WHERE document_id = $1
        `, docID).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (l *OpLog) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
                        INSERT INTO document_checkpoints (document_id, last_lsn)
                        VALUES ($1, $2)
                        ON CONFLICT (document_id)
                        DO UPDATE SET last_lsn = EXCLUDED.last_lsn, checkpointed_at = now()
                `, docID, lsn)
		return err
	})
}

// LatestSnapshot returns the newest snapshot reference for a document, or a
// zero ref when none exists.
func (l *OpLog) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return l.snapshotQuery(ctx, `
                SELECT document_id, op_id, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1
                ORDER BY last_lsn DESC
                LIMIT 1`, docID)
}

// SnapshotBeforeLSN returns the newest snapshot not exceeding the given LSN.
func (l *OpLog) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return l.snapshotQuery(ctx, `
                SELECT document_id, op_id, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1 AND last_lsn <= $2
                ORDER BY last_lsn DESC
                LIMIT 1`, docID, lsn)
}

func (l *OpLog) snapshotQuery(ctx context.Context, query string, args ...any) (SnapshotRef, error) {
	var (
		ref       SnapshotRef
		document  string
		opID      string
		createdAt time.Time
	)
	err := l.pool.QueryRow(ctx, query, args...).Scan(&document, &opID, &ref.ObjectPath, &ref.LastLSN, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = types.DocumentID(document)
	ref.OperationID = types.OperationID(opID)
	ref.CreatedAt = createdAt
	return ref, nil
}

// RecordSnapshot persists a snapshot reference. Re-emitting a snapshot for an
// operation the table already knows overwrites the prior reference instead of
// tripping the primary key.
func (l *OpLog) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
                        INSERT INTO document_snapshots (document_id, op_id, object_path, last_lsn, created_at)
                        VALUES ($1, $2, $3, $4, $5)
                        ON CONFLICT (document_id, op_id) DO UPDATE
                        SET object_path = EXCLUDED.object_path,
                            last_lsn = EXCLUDED.last_lsn,
                            created_at = EXCLUDED.created_at
                `, ref.Document, ref.OperationID, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
}

func (l *OpLog) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := l.retryDelay
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == l.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

// Schema returns the DDL the op log expects. Exposed so operators can apply
// it with their migration tooling of choice.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS document_operations (
    lsn         BIGSERIAL PRIMARY KEY,
    document_id TEXT        NOT NULL,
    op_id       TEXT        NOT NULL,
    site_id     TEXT        NOT NULL,
    payload     BYTEA       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (document_id, op_id)
);
CREATE INDEX IF NOT EXISTS document_operations_doc_lsn ON document_operations (document_id, lsn);

CREATE TABLE IF NOT EXISTS document_checkpoints (
    document_id     TEXT PRIMARY KEY,
    last_lsn        BIGINT      NOT NULL,
    checkpointed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_snapshots (
    document_id TEXT        NOT NULL,
    op_id       TEXT        NOT NULL,
    object_path TEXT        NOT NULL,
    last_lsn    BIGINT      NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (document_id, op_id)
);
`
}
