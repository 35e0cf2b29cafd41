package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps settings in process memory. It is used in tests and
// when no database path is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]string
}

// NewMemoryStore returns a store seeded with the given values.
func NewMemoryStore(seed map[Key]string) *MemoryStore {
	values := make(map[Key]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
