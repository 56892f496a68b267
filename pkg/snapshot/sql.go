package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// SQLKV stores snapshot keys in a table. Postgres and sqlite both accept the
// upsert used by Put.
type SQLKV struct {
	db       *sql.DB
	postgres bool
}

// NewSQLKV wraps db; dialect is "postgres" or "sqlite3"
func NewSQLKV(db *sql.DB, dialect string) *SQLKV {
	return &SQLKV{db: db, postgres: dialect == "postgres"}
}

// Migrate creates the snapshots table
func (s *SQLKV) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, kvSchema); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

func (s *SQLKV) q(sqlite, postgres string) string {
	if s.postgres {
		return postgres
	}
	return sqlite
}

// Get implements KV
func (s *SQLKV) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT value FROM snapshots WHERE key = ?`, `SELECT value FROM snapshots WHERE key = $1`),
		key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("failed to decode snapshot key %s: %w", key, err)
	}
	return true, nil
}

// Put implements KV
func (s *SQLKV) Put(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot key %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		`INSERT INTO snapshots (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, string(raw), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write snapshot key %s: %w", key, err)
	}
	return nil
}

// Delete implements KV
func (s *SQLKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM snapshots WHERE key = ?`, `DELETE FROM snapshots WHERE key = $1`), key)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot key %s: %w", key, err)
	}
	return nil
}
