package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound for the dialect.
type sqlStore struct {
	db       *sql.DB
	dollarPH bool
}

func (s *sqlStore) q(query string) string {
	if !s.dollarPH {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// --- Tenants ---

func (s *sqlStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, version_id, suspended, realtime_enabled, api_key_required, session_required
		 FROM tenants WHERE id = ?`), id,
	).Scan(&t.ID, &t.VersionID, &t.Suspended, &t.RealtimeEnabled, &t.APIKeyRequired, &t.SessionRequired)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}

	keys, err := s.listAPIKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	t.APIKeys = keys

	limits, err := s.listRateLimits(ctx, id)
	if err != nil {
		return nil, err
	}
	t.RateLimits = limits
	return &t, nil
}

func (s *sqlStore) listAPIKeys(ctx context.Context, tenantID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT key, allow_realtime, expires_at, domain_authorization, authorized_domains,
		        ip_authorization, authorized_ips
		 FROM api_keys WHERE tenant_id = ? ORDER BY position`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var (
			k                APIKey
			expires          sql.NullTime
			domainsJSON, ips string
		)
		if err := rows.Scan(&k.Key, &k.AllowRealtime, &expires, &k.DomainAuthorization, &domainsJSON,
			&k.IPAuthorization, &ips); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if expires.Valid {
			at := expires.Time
			k.ExpiresAt = &at
		}
		if err := json.Unmarshal([]byte(domainsJSON), &k.AuthorizedDomains); err != nil {
			return nil, fmt.Errorf("decode authorized domains: %w", err)
		}
		if err := json.Unmarshal([]byte(ips), &k.AuthorizedIPs); err != nil {
			return nil, fmt.Errorf("decode authorized ips: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqlStore) listRateLimits(ctx context.Context, tenantID string) ([]RateLimit, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT r.id, r.points, r.duration_seconds, r.error_message
		 FROM tenant_rate_limits t JOIN rate_limits r ON r.id = t.rate_limit_id
		 WHERE t.tenant_id = ? ORDER BY t.position`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close()

	var limits []RateLimit
	for rows.Next() {
		var rl RateLimit
		if err := rows.Scan(&rl.ID, &rl.Points, &rl.DurationSeconds, &rl.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
		limits = append(limits, rl)
	}
	return limits, rows.Err()
}

// UpsertTenant replaces the tenant row together with its ordered API keys and
// rate limit bindings. Referenced rate limit descriptors are upserted too.
func (s *sqlStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	normalize(t)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO tenants (id, version_id, suspended, realtime_enabled, api_key_required, session_required)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   version_id = excluded.version_id,
		   suspended = excluded.suspended,
		   realtime_enabled = excluded.realtime_enabled,
		   api_key_required = excluded.api_key_required,
		   session_required = excluded.session_required`),
		t.ID, t.VersionID, t.Suspended, t.RealtimeEnabled, t.APIKeyRequired, t.SessionRequired,
	); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM api_keys WHERE tenant_id = ?`), t.ID); err != nil {
		return fmt.Errorf("clear api keys: %w", err)
	}
	for i, k := range t.APIKeys {
		domains, _ := json.Marshal(nonNil(k.AuthorizedDomains))
		ips, _ := json.Marshal(nonNil(k.AuthorizedIPs))
		var expires sql.NullTime
		if k.ExpiresAt != nil {
			expires = sql.NullTime{Time: k.ExpiresAt.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO api_keys (tenant_id, position, key, allow_realtime, expires_at,
			   domain_authorization, authorized_domains, ip_authorization, authorized_ips)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, i, k.Key, k.AllowRealtime, expires,
			string(k.DomainAuthorization), string(domains), string(k.IPAuthorization), string(ips),
		); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM tenant_rate_limits WHERE tenant_id = ?`), t.ID); err != nil {
		return fmt.Errorf("clear rate limit bindings: %w", err)
	}
	for i := range t.RateLimits {
		rl := &t.RateLimits[i]
		if err := s.upsertRateLimit(ctx, tx, rl); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO tenant_rate_limits (tenant_id, position, rate_limit_id) VALUES (?, ?, ?)`),
			t.ID, i, rl.ID,
		); err != nil {
			return fmt.Errorf("bind rate limit: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqlStore) UpsertRateLimit(ctx context.Context, rl *RateLimit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.upsertRateLimit(ctx, tx, rl); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) upsertRateLimit(ctx context.Context, tx *sql.Tx, rl *RateLimit) error {
	if rl.ID == "" {
		return fmt.Errorf("rate limit id is required")
	}
	if rl.Points <= 0 || rl.DurationSeconds <= 0 {
		return fmt.Errorf("rate limit %s: points and duration must be positive", rl.ID)
	}
	_, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO rate_limits (id, points, duration_seconds, error_message)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   points = excluded.points,
		   duration_seconds = excluded.duration_seconds,
		   error_message = excluded.error_message`),
		rl.ID, rl.Points, rl.DurationSeconds, rl.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("upsert rate limit: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
