package issuancelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across authority replicas.
const advisoryLockKey = int64(50_530_101)

const selectColumns = `idx, timestamp, identifier, event, serial, fingerprint, prev_hash, hash`

// PostgresLog stores the log in the issuance_log table created by the
// migrations package.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog returns a PostgresLog using pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log. The tail read and the insert share one transaction
// holding a transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, r Record) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var (
		prevIdx  int
		prevHash string
	)
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM issuance_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read log tail: %w", err)
	}

	e := newEntry(prevIdx+1, prevHash, r)
	if _, err := tx.Exec(ctx,
		`INSERT INTO issuance_log (`+selectColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.Identifier, string(e.Event),
		e.Serial, e.Fingerprint, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert log entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit log tx: %w", err)
	}

	l.logger.Debug("issuance log entry appended",
		zap.Int("idx", e.Index),
		zap.String("event", string(e.Event)),
		zap.String("identifier", e.Identifier),
	)
	return e, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM issuance_log WHERE idx = $1`, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get log entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM issuance_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return n, nil
}

// Verify implements Log by streaming every row in index order.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+selectColumns+` FROM issuance_log ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var v verifier
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan log row: %w", err)
		}
		if err := v.next(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Tip implements Log.
func (l *PostgresLog) Tip(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM issuance_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get log tip: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e     Entry
		event string
	)
	if err := row.Scan(&e.Index, &e.Timestamp, &e.Identifier, &event,
		&e.Serial, &e.Fingerprint, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Event = Event(event)
	return &e, nil
}
