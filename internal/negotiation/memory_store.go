package negotiation

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory negotiation store for demo/development mode.
type MemoryStore struct {
	negotiations map[string]*Negotiation
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		negotiations: make(map[string]*Negotiation),
	}
}

func (m *MemoryStore) Create(ctx context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.negotiations[n.ID] = n
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
