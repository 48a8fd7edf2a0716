package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session Session
	expires time.Time
}

// MemoryStore is a process-local Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, tenantID, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := RecordKey(tenantID, key)
	e, ok := m.entries[k]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, k)
		return nil, nil
	}
	s := e.session
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, tenantID, key string, s Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{session: s}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[RecordKey(tenantID, key)] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, RecordKey(tenantID, key))
	return nil
}
