package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	byRef   map[string]string // kind|id -> escrow ID
	order   []string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byRef:   make(map[string]string),
	}
}

func refKey(kind, id string) string { return kind + "|" + id }

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(e.ReferenceKind, e.ReferenceID)
	if existing, ok := m.byRef[key]; ok {
		// One escrow per reference; hand the caller the winner.
		*e = *m.escrows[existing]
		return nil
	}

	cp := *e
	cp.Version = 1
	m.escrows[cp.ID] = &cp
	m.byRef[key] = cp.ID
	m.order = append(m.order, cp.ID)
	e.Version = 1
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, referenceKind, referenceID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[refKey(referenceKind, referenceID)]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Version != e.Version {
		return ErrStaleEscrow
	}

	cp := *e
	cp.Version = current.Version + 1
	m.escrows[e.ID] = &cp
	e.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.escrows[m.order[i]]
		if e.BuyerID == partyID || e.PayeeID == partyID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
