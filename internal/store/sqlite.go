package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store on a local SQLite file. It is the default
// durable store when no database server is configured.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the kv_store table exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := absPath + "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	if _, err := conn.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create kv_store: %w", err)
	}

	return &SQLiteStore{conn: conn, path: absPath}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return &PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM kv_store WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
