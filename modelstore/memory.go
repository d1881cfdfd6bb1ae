package modelstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string]*Model
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string]*Model), now: time.Now}
}

// Get returns the model with id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

// Put inserts or replaces a model.
func (s *MemoryStore) Put(_ context.Context, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	cp := clone(m)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.models[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.models[cp.ID] = cp
	return nil
}

// Delete removes the model with id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return ErrNotFound
	}
	delete(s.models, id)
	return nil
}

// List returns all models ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]*Model, error) {
	s.mu.RLock()
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, clone(m))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
