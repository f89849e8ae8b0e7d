package activity

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := ""
	if len(m.entries) > 0 {
		prev = m.entries[len(m.entries)-1].Hash
	}
	if err := seal(e, prev, time.Now().UTC()); err != nil {
		return err
	}
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if !matches(e, filter) {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (m *MemoryStore) Walk(ctx context.Context, fn func(Entry) error) error {
	m.mu.RLock()
	entries := append([]Entry(nil), m.entries...)
	m.mu.RUnlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func matches(e Entry, f Filter) bool {
	if e.ReleaseID != f.ReleaseID {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != nil && e.EntityID != *f.EntityID {
		return false
	}
	return true
}
