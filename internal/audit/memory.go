package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore: хранилище в памяти для локального запуска и тестов.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]Entry, 0)}
}

func (m *MemoryStore) WriteBatch(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
