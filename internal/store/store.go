// Package store defines the read path to the multi-tenant configuration store
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the tenant configuration store. The gateway only reads from it;
// the upsert methods exist for fixtures and the seed command.
type Store interface {
	// GetTenant returns the tenant snapshot, or nil, nil if it does not exist.
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	UpsertTenant(ctx context.Context, t *Tenant) error
	UpsertRateLimit(ctx context.Context, rl *RateLimit) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Authorization selects whether an API key restricts domains or IPs.
type Authorization string

const (
	AuthorizeAll       Authorization = "all"
	AuthorizeSpecified Authorization = "specified"
)

// Tenant is a snapshot of one tenant's realtime configuration.
type Tenant struct {
	ID              string      `json:"id"`
	VersionID       string      `json:"version_id"`
	Suspended       bool        `json:"suspended"`
	RealtimeEnabled bool        `json:"realtime_enabled"`
	APIKeyRequired  bool        `json:"api_key_required"`
	SessionRequired bool        `json:"session_required"`
	APIKeys         []APIKey    `json:"api_keys"`    // ordered; first match wins
	RateLimits      []RateLimit `json:"rate_limits"` // ordered; evaluated in sequence
}

// APIKey describes one key accepted for a tenant.
type APIKey struct {
	Key                 string        `json:"key"`
	AllowRealtime       bool          `json:"allow_realtime"`
	ExpiresAt           *time.Time    `json:"expires_at,omitempty"`
	DomainAuthorization Authorization `json:"domain_authorization"`
	AuthorizedDomains   []string      `json:"authorized_domains,omitempty"`
	IPAuthorization     Authorization `json:"ip_authorization"`
	AuthorizedIPs       []string      `json:"authorized_ips,omitempty"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// RateLimit is a rate limit descriptor. Descriptors are shared between
// tenants by ID.
type RateLimit struct {
	ID              string `json:"id"`
	Points          int64  `json:"points"`
	DurationSeconds int64  `json:"duration_seconds"`
	ErrorMessage    string `json:"error_message"`
}

// Open opens the store for the given driver ("sqlite" or "postgres").
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func normalize(t *Tenant) {
	for i := range t.APIKeys {
		if t.APIKeys[i].DomainAuthorization == "" {
			t.APIKeys[i].DomainAuthorization = AuthorizeAll
		}
		if t.APIKeys[i].IPAuthorization == "" {
			t.APIKeys[i].IPAuthorization = AuthorizeAll
		}
	}
}
