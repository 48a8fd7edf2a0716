package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore serves tenant snapshots from a short-lived LRU so that the
// per-event pipeline does not hit the database on every frame. Absent tenants
// are not cached. Returned snapshots are shared and must not be mutated.
type CachedStore struct {
	Store
	tenants *expirable.LRU[string, *Tenant]
}

// NewCached wraps s with a tenant cache. A zero ttl disables caching and
// returns s unchanged.
func NewCached(s Store, size int, ttl time.Duration) Store {
	if ttl <= 0 {
		return s
	}
	if size <= 0 {
		size = 1024
	}
	return &CachedStore{
		Store:   s,
		tenants: expirable.NewLRU[string, *Tenant](size, nil, ttl),
	}
}

func (c *CachedStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	if t, ok := c.tenants.Get(id); ok {
		return t, nil
	}
	t, err := c.Store.GetTenant(ctx, id)
	if err != nil || t == nil {
		return t, err
	}
	c.tenants.Add(id, t)
	return t, nil
}

func (c *CachedStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	defer c.tenants.Remove(t.ID)
	return c.Store.UpsertTenant(ctx, t)
}

// UpsertRateLimit purges the whole cache since any tenant may reference the
// descriptor.
func (c *CachedStore) UpsertRateLimit(ctx context.Context, rl *RateLimit) error {
	defer c.tenants.Purge()
	return c.Store.UpsertRateLimit(ctx, rl)
}
