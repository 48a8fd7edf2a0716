package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaygate/relaygate/internal/store"
)

// Limiter is a fixed-window limiter bound to one rate limit descriptor.
type Limiter struct {
	desc      store.RateLimit
	backplane Backplane
}

func (l *Limiter) Descriptor() store.RateLimit { return l.desc }

// Consume spends one point for subject. It reports false, without error,
// once the window's points are exhausted.
func (l *Limiter) Consume(ctx context.Context, subject string) (bool, error) {
	window := time.Duration(l.desc.DurationSeconds) * time.Second
	n, err := l.backplane.Increment(ctx, l.desc.ID+":"+subject, window)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", l.desc.ID, err)
	}
	return n <= l.desc.Points, nil
}

// Manager hands out limiters by descriptor id. A cached limiter is replaced
// when its descriptor's points or duration change.
type Manager struct {
	mu        sync.Mutex
	backplane Backplane
	limiters  *lru.Cache[string, *Limiter]
}

func NewManager(backplane Backplane, size int) (*Manager, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, *Limiter](size)
	if err != nil {
		return nil, err
	}
	return &Manager{backplane: backplane, limiters: cache}, nil
}

// Limiter returns the limiter for desc, creating or replacing it as needed.
func (m *Manager) Limiter(desc store.RateLimit) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters.Get(desc.ID); ok &&
		l.desc.Points == desc.Points && l.desc.DurationSeconds == desc.DurationSeconds {
		return l
	}
	l := &Limiter{desc: desc, backplane: m.backplane}
	m.limiters.Add(desc.ID, l)
	return l
}

// Len returns the number of cached limiters.
func (m *Manager) Len() int {
	return m.limiters.Len()
}

// Check consumes one point from each descriptor in order and returns the
// first one that is exhausted, or nil when all allow the request. Descriptors
// after the exhausted one are not consumed. The returned descriptor is the
// caller's, so its current error message applies.
func (m *Manager) Check(ctx context.Context, limits []store.RateLimit, subject string) (*store.RateLimit, error) {
	for _, desc := range limits {
		ok, err := m.Limiter(desc).Consume(ctx, subject)
		if err != nil {
			return nil, err
		}
		if !ok {
			d := desc
			return &d, nil
		}
	}
	return nil, nil
}
