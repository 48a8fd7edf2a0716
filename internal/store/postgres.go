package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{sqlStore{db: db, dollarPH: true}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL DEFAULT '',
			suspended BOOLEAN NOT NULL DEFAULT FALSE,
			realtime_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			api_key_required BOOLEAN NOT NULL DEFAULT FALSE,
			session_required BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			key TEXT NOT NULL,
			allow_realtime BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			domain_authorization TEXT NOT NULL DEFAULT 'all',
			authorized_domains TEXT NOT NULL DEFAULT '[]',
			ip_authorization TEXT NOT NULL DEFAULT 'all',
			authorized_ips TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			id TEXT PRIMARY KEY,
			points BIGINT NOT NULL,
			duration_seconds BIGINT NOT NULL,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_rate_limits (
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			rate_limit_id TEXT NOT NULL REFERENCES rate_limits(id),
			PRIMARY KEY (tenant_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenant_rate_limits_limit ON tenant_rate_limits(rate_limit_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
