package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/unimall/settlecore/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Balances are cached as big.Int; the entry log remains authoritative.
type MemoryStore struct {
	accounts map[string]*Account
	index    map[string]string // kind|ref|currency -> account ID
	entries  []*Entry
	balances map[string]*big.Int
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		index:    make(map[string]string),
		balances: make(map[string]*big.Int),
	}
}

func accountKey(kind OwnerKind, ownerRef, currency string) string {
	return string(kind) + "|" + ownerRef + "|" + currency
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey(account.OwnerKind, account.OwnerRef, account.Currency)
	if id, ok := m.index[key]; ok {
		// Preserve (kind, ref, currency) uniqueness under racing creates.
		*account = *m.accounts[id]
		return nil
	}

	cp := *account
	m.accounts[cp.ID] = &cp
	m.index[key] = cp.ID
	m.balances[cp.ID] = big.NewInt(0)
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) FindAccount(ctx context.Context, kind OwnerKind, ownerRef, currency string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.index[accountKey(kind, ownerRef, currency)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

// Append records an entry and moves the cached balances. The mutex makes
// the balance check and the write one atomic unit.
func (m *MemoryStore) Append(ctx context.Context, entry *Entry, guardSource bool) error {
	amt, ok := money.Parse(entry.Amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fromBal, ok := m.balances[entry.FromAccountID]
	if !ok {
		return ErrAccountNotFound
	}
	toBal, ok := m.balances[entry.ToAccountID]
	if !ok {
		return ErrAccountNotFound
	}

	if guardSource && fromBal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	fromBal.Sub(fromBal, amt)
	toBal.Add(toBal, amt)

	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[accountID]
	if !ok {
		return "", ErrAccountNotFound
	}
	return money.Format(bal), nil
}

func (m *MemoryStore) EntriesByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.FromAccountID == accountID || e.ToAccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RecomputeBalance derives an account balance from the entry log,
// bypassing the cache. Used by tests and reconciliation to verify the
// cached running balances.
func (m *MemoryStore) RecomputeBalance(accountID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := big.NewInt(0)
	for _, e := range m.entries {
		amt, _ := money.Parse(e.Amount)
		if e.ToAccountID == accountID {
			sum.Add(sum, amt)
		}
		if e.FromAccountID == accountID {
			sum.Sub(sum, amt)
		}
	}
	return money.Format(sum)
}
