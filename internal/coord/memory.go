package coord

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-process
// embedding.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) SetNX(ctx context.Context, key, ownerID string, now, expiresAt time.Time) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[key]; ok && existing.Live(now) {
		return existing, false, nil
	}
	e := Entry{Key: key, OwnerID: ownerID, AcquiredAt: now, ExpiresAt: expiresAt}
	m.entries[key] = e
	return e, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotHeld
	}
	return e, nil
}

func (m *MemoryStore) Renew(ctx context.Context, key, ownerID string, now, expiresAt time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.OwnerID != ownerID || !e.Live(now) {
		return Entry{}, ErrNotHeld
	}
	e.ExpiresAt = expiresAt
	m.entries[key] = e
	return e, nil
}

func (m *MemoryStore) Release(ctx context.Context, key, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.OwnerID != ownerID {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []Entry
	for key, e := range m.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
