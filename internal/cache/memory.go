package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBacking is a process-local Backing for tests and the memory store
// driver. Expired entries are physically retained until the next write to
// the same key.
type MemoryBacking struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryBacking creates an empty MemoryBacking.
func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{entries: make(map[string]Entry)}
}

func (m *MemoryBacking) Get(_ context.Context, stage, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[stage+"\x00"+key]
	if !ok || e.Expired(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryBacking) Set(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.Stage+"\x00"+e.Key] = e
	return nil
}
