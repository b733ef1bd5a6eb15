package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    key        TEXT NOT NULL,
    value      BLOB NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_key ON history (key, id);
`

// SQLiteBackend keeps documents and history lists in a local SQLite file.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path, applies the schema, and
// configures WAL mode.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteBackend{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return "sqlite" }

// Ping implements Backend.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Get implements Backend. Expired rows are deleted on read.
func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM documents WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}

	if expiresAt != "" {
		at, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing expiry of %s: %w", key, err)
		}
		if !b.now().Before(at) {
			if _, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key); err != nil {
				return nil, fmt.Errorf("expiring %s: %w", key, err)
			}
			return nil, nil
		}
	}
	return value, nil
}

// Set implements Backend.
func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const q = `
		INSERT INTO documents (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		    value      = excluded.value,
		    expires_at = excluded.expires_at`

	var expiresAt string
	if ttl > 0 {
		expiresAt = b.now().Add(ttl).UTC().Format(time.RFC3339Nano)
	}
	if _, err := b.db.ExecContext(ctx, q, key, value, expiresAt); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// PushCapped implements Backend.
func (b *SQLiteBackend) PushCapped(ctx context.Context, key string, value []byte, limit int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning push to %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (key, value, created_at) VALUES (?, ?, ?)`,
		key, value, b.now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("pushing to %s: %w", key, err)
	}

	const trim = `
		DELETE FROM history
		WHERE key = ? AND id NOT IN (
		    SELECT id FROM history WHERE key = ? ORDER BY id DESC LIMIT ?
		)`
	if _, err := tx.ExecContext(ctx, trim, key, key, limit); err != nil {
		return fmt.Errorf("trimming %s: %w", key, err)
	}
	return tx.Commit()
}

// Range implements Backend.
func (b *SQLiteBackend) Range(ctx context.Context, key string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT value FROM history WHERE key = ? ORDER BY id DESC LIMIT ?`, key, n)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scanning %s entry: %w", key, err)
		}
		out = append(out, value)
	}
	return out, rows.Err()
}
