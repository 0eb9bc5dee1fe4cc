package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend on a SQLite database. Pointing multiple
// orchestrator instances at the same database file gives cross-instance
// limiting; it is the analog of the shared counter store the service was
// designed around.
type SQLiteBackend struct {
	db *sql.DB

	stmtPrune  *sql.Stmt
	stmtCount  *sql.Stmt
	stmtAdd    *sql.Stmt
	stmtExpire *sql.Stmt
}

// NewSQLiteBackend opens (creating if needed) the shared rate-limit database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rate limit db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent admits.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_limit_entries (
			client_key TEXT NOT NULL,
			ts_ns      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_key_ts
			ON rate_limit_entries (client_key, ts_ns);
	`)
	if err != nil {
		return fmt.Errorf("migrate rate limit db: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) prepare() error {
	var err error
	if b.stmtPrune, err = b.db.Prepare(
		`DELETE FROM rate_limit_entries WHERE client_key = ? AND ts_ns < ?`); err != nil {
		return err
	}
	if b.stmtCount, err = b.db.Prepare(
		`SELECT COUNT(*) FROM rate_limit_entries WHERE client_key = ?`); err != nil {
		return err
	}
	if b.stmtAdd, err = b.db.Prepare(
		`INSERT INTO rate_limit_entries (client_key, ts_ns) VALUES (?, ?)`); err != nil {
		return err
	}
	if b.stmtExpire, err = b.db.Prepare(
		`DELETE FROM rate_limit_entries WHERE client_key = ? AND ts_ns < ?`); err != nil {
		return err
	}
	return nil
}

func (b *SQLiteBackend) Prune(ctx context.Context, key string, cutoff time.Time) error {
	_, err := b.stmtPrune.ExecContext(ctx, key, cutoff.UnixNano())
	return err
}

func (b *SQLiteBackend) Count(ctx context.Context, key string) (int, error) {
	var n int
	if err := b.stmtCount.QueryRowContext(ctx, key).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *SQLiteBackend) Add(ctx context.Context, key string, ts time.Time) error {
	_, err := b.stmtAdd.ExecContext(ctx, key, ts.UnixNano())
	return err
}

// Expire drops entries older than ttl regardless of the limiter window, a
// safety net against keys that stop being pruned.
func (b *SQLiteBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := b.stmtExpire.ExecContext(ctx, key, time.Now().Add(-ttl).UnixNano())
	return err
}

// Ping verifies the backend is reachable, for health checks.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
