package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

// SQLiteKV implements repo.KVStore on a local SQLite database
type SQLiteKV struct {
	db *sqlx.DB
}

type kvRow struct {
	Value     []byte `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// NewKVStore opens (or creates) the SQLite key-value store at dbPath
func NewKVStore(dbPath string) (*SQLiteKV, error) {
	// Ensure directory exists
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &SQLiteKV{db: db}, nil
}

// Get returns the value for key, or nil when absent
func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var row kvRow
	err := s.db.GetContext(ctx, &row, `SELECT value, updated_at FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	return row.Value, nil
}

// Set stores value under key
func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return &domain.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Remove deletes key
func (s *SQLiteKV) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &domain.StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Keys lists stored keys, for diagnostics
func (s *SQLiteKV) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, `SELECT key FROM kv ORDER BY key`); err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	return keys, nil
}

// Close closes the database
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
