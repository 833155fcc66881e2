// Package escrow holds buyer funds against a purchase until fulfillment
// is confirmed.
//
// Flow:
//  1. Settlement holds buyer funds: buyer wallet → escrow pool, row HELD
//  2. Fulfillment confirmed → release: pool → payee wallet, row RELEASED
//  3. Fulfillment failed/cancelled → refund: pool → buyer wallet, row REFUNDED
//  4. Contested → dispute: funds stay pooled, row DISPUTED until an
//     operator releases or refunds
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unimall/settlecore/internal/idgen"
	"github.com/unimall/settlecore/internal/ledger"
	"github.com/unimall/settlecore/internal/logging"
	"github.com/unimall/settlecore/internal/metrics"
	"github.com/unimall/settlecore/internal/money"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrAlreadyResolved   = errors.New("escrow already resolved")
	ErrStaleEscrow       = errors.New("escrow modified concurrently")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "HELD"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
	StatusDisputed Status = "DISPUTED"
)

// Escrow tracks funds held against one checkout-session settlement.
// The money itself sits in the pooled ESCROW_POOL ledger account; this
// row is the attribution record.
type Escrow struct {
	ID             string     `json:"id"`
	Number         string     `json:"number"` // human-readable, unique
	BuyerID        string     `json:"buyerId"`
	PayeeID        string     `json:"payeeId"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	ReferenceKind  string     `json:"referenceKind"`
	ReferenceID    string     `json:"referenceId"`
	Status         Status     `json:"status"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Version        int        `json:"-"` // optimistic concurrency guard
}

// Terminal returns true once funds have left the pool.
func (e *Escrow) Terminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrow rows.
//
// Update must apply an optimistic version check: it fails with
// ErrStaleEscrow when the row changed since it was read, so two
// concurrent resolutions cannot both succeed.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	FindByReference(ctx context.Context, referenceKind, referenceID string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error)
}

// Journal abstracts the ledger operations the escrow manager needs.
// Satisfied by *ledger.Journal.
type Journal interface {
	CreateEntry(ctx context.Context, req ledger.EntryRequest) (*ledger.Entry, error)
	WalletAccount(ctx context.Context, walletID, currency string) (*ledger.Account, error)
	SystemAccount(ctx context.Context, kind ledger.OwnerKind, currency string) (*ledger.Account, error)
}

// Notifier is told about escrow resolutions. Failures are ignored.
type Notifier interface {
	EscrowResolved(ctx context.Context, escrow *Escrow)
}

// HoldRequest contains the parameters for creating an escrow hold.
type HoldRequest struct {
	BuyerID       string
	PayeeID       string
	Amount        string
	Currency      string
	ReferenceKind string
	ReferenceID   string
	ActorID       string
}

// Manager implements the escrow lifecycle.
type Manager struct {
	store    Store
	journal  Journal
	notifier Notifier
	locks    sync.Map // per-escrow ID locks to serialize state transitions
}

// NewManager creates a new escrow manager.
func NewManager(store Store, journal Journal) *Manager {
	return &Manager{store: store, journal: journal}
}

// WithNotifier adds a fire-and-forget resolution notifier.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. release + refund racing).
func (m *Manager) escrowLock(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Hold locks buyer funds against a reference. Idempotent per
// (referenceKind, referenceID): a repeat call returns the existing
// escrow without moving money again.
func (m *Manager) Hold(ctx context.Context, req HoldRequest) (*Escrow, error) {
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if req.ReferenceKind == "" || req.ReferenceID == "" {
		return nil, errors.New("escrow hold requires a reference")
	}

	// Serialize holds per reference so replayed settlements cannot race
	// past the idempotency lookup and double-hold.
	mu := m.escrowLock("ref|" + req.ReferenceKind + "|" + req.ReferenceID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := m.store.FindByReference(ctx, req.ReferenceKind, req.ReferenceID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	buyerAcct, err := m.journal.WalletAccount(ctx, req.BuyerID, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve buyer account: %w", err)
	}
	poolAcct, err := m.journal.SystemAccount(ctx, ledger.KindEscrowPool, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve escrow pool: %w", err)
	}

	now := time.Now()
	escrow := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		Number:        idgen.EscrowNumber(now),
		BuyerID:       req.BuyerID,
		PayeeID:       req.PayeeID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ReferenceKind: req.ReferenceKind,
		ReferenceID:   req.ReferenceID,
		Status:        StatusHeld,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Move buyer funds into the pool. Insufficient balance surfaces here.
	entry, err := m.journal.CreateEntry(ctx, ledger.EntryRequest{
		FromAccountID: buyerAcct.ID,
		ToAccountID:   poolAcct.ID,
		Amount:        req.Amount,
		Type:          ledger.EntryEscrowHold,
		ReferenceKind: req.ReferenceKind,
		ReferenceID:   req.ReferenceID,
		Description:   "escrow hold " + escrow.Number,
		ActorID:       req.ActorID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hold escrow funds: %w", err)
	}

	if err := m.store.Create(ctx, escrow); err != nil {
		// The entry log is append-only: compensate with an offsetting
		// refund entry rather than deleting the hold.
		if _, cerr := m.journal.CreateEntry(ctx, ledger.EntryRequest{
			FromAccountID: poolAcct.ID,
			ToAccountID:   buyerAcct.ID,
			Amount:        req.Amount,
			Type:          ledger.EntryEscrowRefund,
			ReferenceKind: req.ReferenceKind,
			ReferenceID:   req.ReferenceID,
			Description:   "reversal of orphaned hold " + entry.ID,
			ActorID:       req.ActorID,
		}); cerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow hold orphaned and reversal failed",
				"escrow_number", escrow.Number, "entry_id", entry.ID, "error", cerr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusHeld)).Inc()
	return escrow, nil
}

// Release moves pooled funds to the payee's wallet. Valid from HELD or
// DISPUTED. Calling it again after a release is a no-op returning the
// current state; after a refund it fails with ErrAlreadyResolved.
func (m *Manager) Release(ctx context.Context, id, resolvedBy string) (*Escrow, error) {
	return m.resolve(ctx, id, StatusReleased, resolvedBy, "")
}

// Refund returns pooled funds to the buyer's wallet. Valid from HELD or
// DISPUTED; idempotent on repeat, conflicting after a release.
func (m *Manager) Refund(ctx context.Context, id, resolvedBy, reason string) (*Escrow, error) {
	return m.resolve(ctx, id, StatusRefunded, resolvedBy, reason)
}

// Dispute freezes an escrow pending operator resolution. Valid only from
// HELD; no money moves. Disputing a disputed escrow is a no-op.
func (m *Manager) Dispute(ctx context.Context, id, reason string) (*Escrow, error) {
	mu := m.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.Status == StatusDisputed {
		return escrow, nil
	}
	if escrow.Terminal() {
		return nil, ErrAlreadyResolved
	}

	escrow.Status = StatusDisputed
	escrow.ResolutionNote = reason
	escrow.UpdatedAt = time.Now()

	if err := m.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return escrow, nil
}

// resolve performs the shared release/refund transition.
func (m *Manager) resolve(ctx context.Context, id string, target Status, resolvedBy, reason string) (*Escrow, error) {
	mu := m.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.Terminal() {
		if escrow.Status == target {
			// Same outcome requested twice: idempotent no-op.
			return escrow, nil
		}
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusHeld && escrow.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}

	poolAcct, err := m.journal.SystemAccount(ctx, ledger.KindEscrowPool, escrow.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve escrow pool: %w", err)
	}

	var (
		destOwner string
		entryType ledger.EntryType
	)
	if target == StatusReleased {
		destOwner = escrow.PayeeID
		entryType = ledger.EntryEscrowRelease
	} else {
		destOwner = escrow.BuyerID
		entryType = ledger.EntryEscrowRefund
	}

	destAcct, err := m.journal.WalletAccount(ctx, destOwner, escrow.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination account: %w", err)
	}

	// Claim the transition before moving funds: the version-checked
	// update is the only gate that holds across processes sharing one
	// store, and pooled money must move at most once per escrow.
	prev := *escrow
	now := time.Now()
	escrow.Status = target
	escrow.ResolvedBy = resolvedBy
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
	if reason != "" {
		escrow.ResolutionNote = reason
	}
	if err := m.store.Update(ctx, escrow); err != nil {
		if errors.Is(err, ErrStaleEscrow) {
			fresh, gerr := m.store.Get(ctx, escrow.ID)
			if gerr != nil {
				return nil, gerr
			}
			if fresh.Status == target {
				return fresh, nil
			}
			if fresh.Terminal() {
				return nil, ErrAlreadyResolved
			}
		}
		return nil, err
	}

	if _, err := m.journal.CreateEntry(ctx, ledger.EntryRequest{
		FromAccountID: poolAcct.ID,
		ToAccountID:   destAcct.ID,
		Amount:        escrow.Amount,
		Type:          entryType,
		ReferenceKind: escrow.ReferenceKind,
		ReferenceID:   escrow.ReferenceID,
		Description:   fmt.Sprintf("escrow %s %s", escrow.Number, target),
		ActorID:       resolvedBy,
	}); err != nil {
		// No money moved; hand the claim back so the escrow stays
		// resolvable. If even that fails the row is stuck resolved with
		// funds pooled and needs manual repair.
		restored := prev
		restored.Version = escrow.Version
		restored.UpdatedAt = time.Now()
		if uerr := m.store.Update(ctx, &restored); uerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow claimed but fund movement and rollback both failed",
				"escrow_number", escrow.Number, "target", string(target), "error", uerr)
		}
		return nil, fmt.Errorf("failed to move escrow funds: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(target)).Inc()

	if m.notifier != nil {
		m.notifier.EscrowResolved(ctx, escrow)
	}

	return escrow, nil
}

// Get returns an escrow by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Escrow, error) {
	return m.store.Get(ctx, id)
}

// GetByReference returns the escrow held against a reference, if any.
func (m *Manager) GetByReference(ctx context.Context, referenceKind, referenceID string) (*Escrow, error) {
	return m.store.FindByReference(ctx, referenceKind, referenceID)
}

// ListByParty returns escrows involving a user as buyer or payee.
func (m *Manager) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListByParty(ctx, partyID, limit)
}
