package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Fixtures is the seed file format: a list of tenants with their API keys
// and rate limits inline.
type Fixtures struct {
	Tenants []Tenant `json:"tenants"`
}

// LoadFixtures upserts every tenant in data and returns how many were
// written.
func LoadFixtures(ctx context.Context, s Store, data []byte) (int, error) {
	var f Fixtures
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse fixtures: %w", err)
	}
	for i := range f.Tenants {
		t := &f.Tenants[i]
		if t.ID == "" {
			return i, fmt.Errorf("tenant %d: id is required", i)
		}
		if err := s.UpsertTenant(ctx, t); err != nil {
			return i, fmt.Errorf("tenant %q: %w", t.ID, err)
		}
	}
	return len(f.Tenants), nil
}
