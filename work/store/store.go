package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"axion-tv/work/logger"
	"axion-tv/work/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a durable string-keyed key-value store backed by SQLite. Values
// are opaque to the store; callers persist JSON documents. Multi-key writes
// go through SetMany/RemoveMany, which run in a single transaction so an
// aggregate spanning several keys can never be half-written.
type Store struct {
	db *sql.DB
}

// Open creates a new store at path with WAL mode and runs pending migrations.
func Open(path string) (*Store, error) {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The store serves a single session manager plus a few background
	// readers; a small pool is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("{store - Open} SQLite key-value store opened at %s", path)
	return s, nil
}

// migrate applies all embedded migration files that have not run yet
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version from filename (e.g. "001_initial_schema.sql" -> 1)
		var version int
		fmt.Sscanf(entry.Name(), "%d_", &version)

		var exists bool
		err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrations.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}

		logger.Info("{store - migrate} Applied migration: %s", entry.Name())
	}

	return nil
}

// Get returns the value stored under key. A missing key is reported through
// the boolean, not as an error.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		metrics.StoreQueries.WithLabelValues("get", "ok").Inc()
		return "", false, nil
	}
	if err != nil {
		metrics.StoreQueries.WithLabelValues("get", "error").Inc()
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	metrics.StoreQueries.WithLabelValues("get", "ok").Inc()
	return value, true, nil
}

// Set writes a single key.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	metrics.StoreQueries.WithLabelValues("set", "ok").Inc()
	return nil
}

// SetMany writes all items in one transaction. Either every key is written
// or none is.
func (s *Store) SetMany(items map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		metrics.StoreQueries.WithLabelValues("set_many", "error").Inc()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("set_many", "error").Inc()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, value := range items {
		if _, err := stmt.Exec(key, value); err != nil {
			metrics.StoreQueries.WithLabelValues("set_many", "error").Inc()
			return fmt.Errorf("failed to write key %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.StoreQueries.WithLabelValues("set_many", "error").Inc()
		return fmt.Errorf("failed to commit: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("set_many", "ok").Inc()
	return nil
}

// Remove deletes a single key. Removing a missing key is a no-op.
func (s *Store) Remove(key string) error {
	return s.RemoveMany(key)
}

// RemoveMany deletes all given keys in one transaction.
func (s *Store) RemoveMany(keys ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		metrics.StoreQueries.WithLabelValues("remove_many", "error").Inc()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
			metrics.StoreQueries.WithLabelValues("remove_many", "error").Inc()
			return fmt.Errorf("failed to remove key %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.StoreQueries.WithLabelValues("remove_many", "error").Inc()
		return fmt.Errorf("failed to commit: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("remove_many", "ok").Inc()
	return nil
}

// Keys returns all stored keys with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Vacuum optimizes the database file.
func (s *Store) Vacuum() error {
	logger.Info("{store - Vacuum} Running VACUUM to optimize database")
	_, err := s.db.Exec("VACUUM")
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logger.Info("{store - Close} Closing key-value store")
	return s.db.Close()
}
