// Package ledger is the double-entry journal backing the settlement core.
//
// Flow:
//  1. Money enters through the EXTERNAL_IN system account (wallet top-up)
//  2. Wallet accounts pay into the ESCROW_POOL account (escrow hold)
//  3. The pool pays out to payee wallets (release) or back to buyers (refund)
//  4. Money leaves through the EXTERNAL_OUT system account (withdrawal)
//
// Entries are append-only and always positive; an account balance is the
// sum of incoming minus outgoing entries. Stores may cache a running
// balance per account, but the entry log stays authoritative and
// corrections are new offsetting entries, never edits.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/unimall/settlecore/internal/idgen"
	"github.com/unimall/settlecore/internal/metrics"
	"github.com/unimall/settlecore/internal/money"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAccountNotFound     = errors.New("ledger account not found")
	ErrSameAccount         = errors.New("entry source and destination must differ")
	ErrCurrencyMismatch    = errors.New("entry accounts use different currencies")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// OwnerKind identifies what an account represents.
type OwnerKind string

const (
	KindWallet      OwnerKind = "WALLET"       // one per user wallet
	KindExternalIn  OwnerKind = "EXTERNAL_IN"  // singleton source of inbound funds per currency
	KindExternalOut OwnerKind = "EXTERNAL_OUT" // singleton sink of outbound funds per currency
	KindEscrowPool  OwnerKind = "ESCROW_POOL"  // pooled escrow funds per currency
)

// Guarded reports whether accounts of this kind may never go negative.
// External accounts are unguarded: their net flow is the money added to
// or removed from the system.
func (k OwnerKind) Guarded() bool {
	return k == KindWallet || k == KindEscrowPool
}

// EntryType classifies a ledger movement.
type EntryType string

const (
	EntryWalletTopUp      EntryType = "WALLET_TOPUP"
	EntryWalletWithdrawal EntryType = "WALLET_WITHDRAWAL"
	EntryEscrowHold       EntryType = "ESCROW_HOLD"
	EntryEscrowRelease    EntryType = "ESCROW_RELEASE"
	EntryEscrowRefund     EntryType = "ESCROW_REFUND"
)

// Account is a ledger account. Identity is unique per
// (OwnerKind, OwnerRef, Currency); system accounts have an empty OwnerRef.
type Account struct {
	ID        string    `json:"id"`
	OwnerKind OwnerKind `json:"ownerKind"`
	OwnerRef  string    `json:"ownerRef,omitempty"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is an immutable double-entry record moving Amount from one
// account to another. Entries are never mutated or deleted.
type Entry struct {
	ID            string    `json:"id"`
	FromAccountID string    `json:"fromAccountId"`
	ToAccountID   string    `json:"toAccountId"`
	Amount        string    `json:"amount"`
	Type          EntryType `json:"type"`
	ReferenceKind string    `json:"referenceKind,omitempty"`
	ReferenceID   string    `json:"referenceId,omitempty"`
	Description   string    `json:"description,omitempty"`
	ActorID       string    `json:"actorId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists accounts and entries.
//
// Append must be atomic: when the source account is of a guarded kind,
// the balance check and the entry write happen as one unit with respect
// to concurrent appends on the same account, returning
// ErrInsufficientBalance without side effect on failure.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	FindAccount(ctx context.Context, kind OwnerKind, ownerRef, currency string) (*Account, error)
	Append(ctx context.Context, entry *Entry, guardSource bool) error
	Balance(ctx context.Context, accountID string) (string, error)
	EntriesByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error)
}

// EntryRequest carries the parameters for CreateEntry.
type EntryRequest struct {
	FromAccountID string
	ToAccountID   string
	Amount        string
	Type          EntryType
	ReferenceKind string
	ReferenceID   string
	Description   string
	ActorID       string
}

// Journal exposes the ledger operations and the account registry.
type Journal struct {
	store Store
}

// NewJournal creates a journal over the given store.
func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

// CreateEntry validates and appends one double-entry record.
// The append is atomic; when the source account is guarded the balance
// check happens inside the same unit.
func (j *Journal) CreateEntry(ctx context.Context, req EntryRequest) (*Entry, error) {
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}

	from, err := j.store.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := j.store.GetAccount(ctx, req.ToAccountID)
	if err != nil {
		return nil, err
	}
	if from.Currency != to.Currency {
		return nil, ErrCurrencyMismatch
	}

	entry := &Entry{
		ID:            idgen.New(),
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        req.Amount,
		Type:          req.Type,
		ReferenceKind: req.ReferenceKind,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
		ActorID:       req.ActorID,
		CreatedAt:     time.Now(),
	}

	if err := j.store.Append(ctx, entry, from.OwnerKind.Guarded()); err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Type)).Inc()
	return entry, nil
}

// GetBalance returns the current balance of an account.
func (j *Journal) GetBalance(ctx context.Context, accountID string) (string, error) {
	return j.store.Balance(ctx, accountID)
}

// HasSufficientBalance reports whether the account balance covers amount.
// Callers gating a debit must not rely on this alone: the authoritative
// check happens inside Append.
func (j *Journal) HasSufficientBalance(ctx context.Context, accountID, amount string) (bool, error) {
	amt, ok := money.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}
	bal, err := j.store.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	cur, ok := money.Parse(bal)
	if !ok {
		return false, ErrInvalidAmount
	}
	return cur.Cmp(amt) >= 0, nil
}

// GetAccount returns an account by ID.
func (j *Journal) GetAccount(ctx context.Context, id string) (*Account, error) {
	return j.store.GetAccount(ctx, id)
}

// WalletAccount resolves the ledger account backing a wallet, creating
// it on first access.
func (j *Journal) WalletAccount(ctx context.Context, walletID, currency string) (*Account, error) {
	return j.getOrCreate(ctx, KindWallet, walletID, currency)
}

// SystemAccount resolves one of the singleton system accounts for a
// currency (EXTERNAL_IN, EXTERNAL_OUT, ESCROW_POOL), creating it on
// first access.
func (j *Journal) SystemAccount(ctx context.Context, kind OwnerKind, currency string) (*Account, error) {
	if kind == KindWallet {
		return nil, errors.New("wallet accounts require an owner reference")
	}
	return j.getOrCreate(ctx, kind, "", currency)
}

func (j *Journal) getOrCreate(ctx context.Context, kind OwnerKind, ownerRef, currency string) (*Account, error) {
	acct, err := j.store.FindAccount(ctx, kind, ownerRef, currency)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	acct = &Account{
		ID:        idgen.New(),
		OwnerKind: kind,
		OwnerRef:  ownerRef,
		Currency:  currency,
		CreatedAt: time.Now(),
	}
	if err := j.store.CreateAccount(ctx, acct); err != nil {
		// Lost a create race; the winning row is the account.
		if existing, ferr := j.store.FindAccount(ctx, kind, ownerRef, currency); ferr == nil {
			return existing, nil
		}
		return nil, err
	}
	return acct, nil
}

// History returns the most recent entries touching an account.
func (j *Journal) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.store.EntriesByAccount(ctx, accountID, limit)
}
