package wallet

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	byOwner map[string]*Wallet
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOwner: make(map[string]*Wallet)}
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.byOwner[ownerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byOwner[w.OwnerID]; ok {
		// One wallet per owner; hand the caller the winner.
		*w = *existing
		return nil
	}
	cp := *w
	m.byOwner[w.OwnerID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOwner[w.OwnerID]; !ok {
		return ErrWalletNotFound
	}
	cp := *w
	m.byOwner[w.OwnerID] = &cp
	return nil
}
