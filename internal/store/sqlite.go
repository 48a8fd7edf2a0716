package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL DEFAULT '',
			suspended BOOLEAN NOT NULL DEFAULT 0,
			realtime_enabled BOOLEAN NOT NULL DEFAULT 1,
			api_key_required BOOLEAN NOT NULL DEFAULT 0,
			session_required BOOLEAN NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			key TEXT NOT NULL,
			allow_realtime BOOLEAN NOT NULL DEFAULT 1,
			expires_at DATETIME,
			domain_authorization TEXT NOT NULL DEFAULT 'all',
			authorized_domains TEXT NOT NULL DEFAULT '[]',
			ip_authorization TEXT NOT NULL DEFAULT 'all',
			authorized_ips TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			id TEXT PRIMARY KEY,
			points INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_rate_limits (
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			rate_limit_id TEXT NOT NULL REFERENCES rate_limits(id),
			PRIMARY KEY (tenant_id, position)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
