package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// OpenSQLite opens a SQLite database and runs migrations.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_store (
		session_id TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_session_store_updated ON session_store(session_id, updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

// SQLiteStore is a Store scoped to one session id, so a restart of the
// same session hydrates the UI instead of flashing empty state.
type SQLiteStore struct {
	db        *sql.DB
	sessionID string
	log       zerolog.Logger
}

// NewSQLiteStore creates a store for sessionID on an already-migrated db.
func NewSQLiteStore(db *sql.DB, sessionID string, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:        db,
		sessionID: sessionID,
		log:       log.With().Str("component", "session_store").Str("session", sessionID).Logger(),
	}
}

// Get implements Store.
func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM session_store WHERE session_id = ? AND key = ?`,
		s.sessionID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_store (session_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, s.sessionID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM session_store WHERE session_id = ? AND key = ?`, s.sessionID, key)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Cleanup removes cache entries of any session not written within
// retention. Only keys under the given namespaces are swept; their version
// counters and every other key (credentials) are kept.
func (s *SQLiteStore) Cleanup(retention time.Duration, namespaces ...string) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	var rows int64
	for _, ns := range namespaces {
		if ns == "" {
			continue
		}
		result, err := s.db.Exec(
			`DELETE FROM session_store
			WHERE updated_at < ? AND substr(key, 1, ?) = ? AND key != ?`,
			cutoff, len(ns), ns, ns+versionKey,
		)
		if err != nil {
			return rows, fmt.Errorf("cleanup session store %s: %w", ns, err)
		}
		n, _ := result.RowsAffected()
		rows += n
	}
	if rows > 0 {
		s.log.Info().Int64("deleted", rows).Msg("cleaned up stale session entries")
	}
	return rows, nil
}
