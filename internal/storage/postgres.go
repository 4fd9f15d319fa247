package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/collab-sync/internal/types"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
        document_id TEXT PRIMARY KEY,
        snapshot    BYTEA NOT NULL,
        updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend keeps one snapshot row per document.
type PostgresBackend struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// PostgresOption configures the Postgres backend.
type PostgresOption func(*PostgresBackend)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(p *PostgresBackend) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(p *PostgresBackend) {
		p.retryDelay = d
	}
}

// NewPostgresBackend constructs a backend using the provided pool.
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresBackend {
	p := &PostgresBackend{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureSchema creates the snapshot table if it does not exist.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	return p.retry(ctx, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, snapshotSchema)
		return err
	})
}

func (p *PostgresBackend) Fetch(ctx context.Context, docID types.DocumentID) ([]byte, error) {
	var snapshot []byte
	err := p.retry(ctx, func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, `
                SELECT snapshot FROM document_snapshots WHERE document_id = $1
        `, docID.String()).Scan(&snapshot)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Store upserts the snapshot inside a transaction; transient failures are
// retried.
func (p *PostgresBackend) Store(ctx context.Context, docID types.DocumentID, snapshot []byte) error {
	return p.retry(ctx, func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
                        INSERT INTO document_snapshots (document_id, snapshot, updated_at)
                        VALUES ($1, $2, now())
                        ON CONFLICT (document_id)
                        DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
                `, docID.String(), snapshot); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Documents lists every document with a stored snapshot.
func (p *PostgresBackend) Documents(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := p.pool.Query(ctx, `SELECT document_id FROM document_snapshots ORDER BY document_id`)
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

func (p *PostgresBackend) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == p.maxRetries {
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
