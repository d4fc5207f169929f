package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with a mutex-guarded map. Stale entries
// are dropped lazily on read; there is no background reaper because the
// key space is bounded by the pagination parameters callers use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns the fresh entry for key, or nil on a miss. A stale entry
// is deleted and reported as a miss.
func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	if !entry.Fresh(time.Now()) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()

		return nil, nil
	}

	return &entry, nil
}

// Set stores an entry, overwriting any previous value for the key.
func (m *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()

	return nil
}

// Invalidate removes every entry whose key starts with prefix.
func (m *MemoryStore) Invalidate(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}

	return nil
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
