// Package ratelimit implements fixed-window rate limiting over a counter
// backplane shared by every gateway process.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backplane is an atomic counter store. Increment adds one to key and
// returns the new count. The first increment of a window starts its expiry.
type Backplane interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// --- Redis ---

var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisBackplane keeps counters in Redis so limits hold across processes.
type RedisBackplane struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackplane(client redis.UniversalClient, keyPrefix string) *RedisBackplane {
	return &RedisBackplane{client: client, prefix: keyPrefix + ":rl:"}
}

func (b *RedisBackplane) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, b.client, []string{b.prefix + key}, window.Milliseconds()).Int64()
}

// --- Memory ---

type counter struct {
	count   int64
	expires time.Time
}

// MemoryBackplane is a process-local Backplane.
type MemoryBackplane struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewMemoryBackplane() *MemoryBackplane {
	return &MemoryBackplane{counters: make(map[string]*counter), now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (b *MemoryBackplane) WithClock(now func() time.Time) *MemoryBackplane {
	b.now = now
	return b
}

func (b *MemoryBackplane) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c, ok := b.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &counter{expires: now.Add(window)}
		b.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// StartCleanup periodically drops expired counters until ctx is done.
func (b *MemoryBackplane) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

func (b *MemoryBackplane) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for k, c := range b.counters {
		if !now.Before(c.expires) {
			delete(b.counters, k)
		}
	}
}
