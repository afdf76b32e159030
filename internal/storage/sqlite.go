package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kanbanlab/boardsync/internal/events"
)

// SQLiteStore implements KV on a single-table SQLite database. An
// alternative to BoltStore for installations that already ship SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens the database and creates the schema.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS kv_entries (
        key TEXT PRIMARY KEY,
        value BLOB NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );
    `
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get retrieves a value.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM kv_entries WHERE key = ?", key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query key: %w", err)
	}
	return value, nil
}

// Set stores a value.
func (s *SQLiteStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
        INSERT INTO kv_entries (key, value, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            updated_at = CURRENT_TIMESTAMP
    `, key, value)
	if err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// List returns sorted keys with the given prefix.
func (s *SQLiteStore) List(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM kv_entries WHERE key LIKE ? || '%' ORDER BY key", prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
