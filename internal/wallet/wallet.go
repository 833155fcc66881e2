// Package wallet exposes user-facing top-up and withdrawal operations
// built on the ledger journal.
//
// Flow:
//  1. User tops up → EXTERNAL_IN credits the wallet's ledger account
//  2. Purchases move wallet funds into escrow (see package escrow)
//  3. User withdraws → wallet's account debits into EXTERNAL_OUT
//
// The wallet row itself carries no balance: balances live only in the
// ledger.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unimall/settlecore/internal/history"
	"github.com/unimall/settlecore/internal/idgen"
	"github.com/unimall/settlecore/internal/ledger"
	"github.com/unimall/settlecore/internal/logging"
	"github.com/unimall/settlecore/internal/metrics"
	"github.com/unimall/settlecore/internal/money"
	"github.com/unimall/settlecore/internal/notify"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletInactive = errors.New("wallet is inactive")
	ErrInvalidAmount  = errors.New("invalid amount")

	// ErrInsufficientBalance is the journal's sentinel, re-exported so
	// callers can match on the wallet package alone.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

// Wallet is a user's money container. It owns exactly one WALLET ledger
// account; the account holds the balance, the wallet holds the policy
// bits (active flag, activity timestamp).
type Wallet struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	AccountID      string    `json:"accountId"`
	Currency       string    `json:"currency"`
	Active         bool      `json:"active"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists wallet rows.
type Store interface {
	GetByOwner(ctx context.Context, ownerID string) (*Wallet, error)
	Create(ctx context.Context, wallet *Wallet) error
	Update(ctx context.Context, wallet *Wallet) error
}

// Journal abstracts the ledger operations the wallet service needs.
// Satisfied by *ledger.Journal.
type Journal interface {
	CreateEntry(ctx context.Context, req ledger.EntryRequest) (*ledger.Entry, error)
	GetBalance(ctx context.Context, accountID string) (string, error)
	HasSufficientBalance(ctx context.Context, accountID, amount string) (bool, error)
	WalletAccount(ctx context.Context, walletID, currency string) (*ledger.Account, error)
	SystemAccount(ctx context.Context, kind ledger.OwnerKind, currency string) (*ledger.Account, error)
	History(ctx context.Context, accountID string, limit int) ([]*ledger.Entry, error)
}

// Service implements the wallet orchestrator.
type Service struct {
	store    Store
	journal  Journal
	recorder *history.Recorder
	notifier notify.Notifier
	currency string
}

// NewService creates a wallet service. currency is the platform currency
// used for lazily created wallets.
func NewService(store Store, journal Journal, recorder *history.Recorder, currency string) *Service {
	return &Service{
		store:    store,
		journal:  journal,
		recorder: recorder,
		notifier: notify.NopNotifier{},
		currency: currency,
	}
}

// WithNotifier sets the notification collaborator.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// Open returns the owner's wallet, creating it (and its ledger account)
// on first access.
func (s *Service) Open(ctx context.Context, ownerID string) (*Wallet, error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}

	w, err := s.store.GetByOwner(ctx, ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	acct, err := s.journal.WalletAccount(ctx, ownerID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet account: %w", err)
	}

	now := time.Now()
	w = &Wallet{
		ID:             idgen.WithPrefix("wal_"),
		OwnerID:        ownerID,
		AccountID:      acct.ID,
		Currency:       s.currency,
		Active:         true,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		// Lost a create race; the winning row is the wallet.
		if existing, gerr := s.store.GetByOwner(ctx, ownerID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return w, nil
}

// TopUp credits the wallet from the EXTERNAL_IN system account.
func (s *Service) TopUp(ctx context.Context, ownerID, amount, description string) (*Wallet, error) {
	w, err := s.Open(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, ErrWalletInactive
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	extIn, err := s.journal.SystemAccount(ctx, ledger.KindExternalIn, w.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external-in account: %w", err)
	}

	entry, err := s.journal.CreateEntry(ctx, ledger.EntryRequest{
		FromAccountID: extIn.ID,
		ToAccountID:   w.AccountID,
		Amount:        amount,
		Type:          ledger.EntryWalletTopUp,
		ReferenceKind: "WALLET",
		ReferenceID:   w.ID,
		Description:   description,
		ActorID:       ownerID,
	})
	if err != nil {
		metrics.WalletOpsTotal.WithLabelValues("topup", "failed").Inc()
		return nil, err
	}

	s.afterMovement(ctx, w, entry, history.DirectionCredit, "Wallet top-up", description)
	metrics.WalletOpsTotal.WithLabelValues("topup", "ok").Inc()
	s.notifier.Notify(ctx, notify.Event{
		UserID: ownerID, Kind: "wallet_topup",
		Title: "Wallet top-up", Body: description,
	})
	return w, nil
}

// Withdraw debits the wallet into the EXTERNAL_OUT system account.
// The sufficiency check happens atomically with the entry append; a
// failed withdrawal creates no entry.
func (s *Service) Withdraw(ctx context.Context, ownerID, amount, description string) (*Wallet, error) {
	w, err := s.Open(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, ErrWalletInactive
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	extOut, err := s.journal.SystemAccount(ctx, ledger.KindExternalOut, w.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external-out account: %w", err)
	}

	entry, err := s.journal.CreateEntry(ctx, ledger.EntryRequest{
		FromAccountID: w.AccountID,
		ToAccountID:   extOut.ID,
		Amount:        amount,
		Type:          ledger.EntryWalletWithdrawal,
		ReferenceKind: "WALLET",
		ReferenceID:   w.ID,
		Description:   description,
		ActorID:       ownerID,
	})
	if err != nil {
		metrics.WalletOpsTotal.WithLabelValues("withdrawal", "failed").Inc()
		return nil, err
	}

	s.afterMovement(ctx, w, entry, history.DirectionDebit, "Wallet withdrawal", description)
	metrics.WalletOpsTotal.WithLabelValues("withdrawal", "ok").Inc()
	s.notifier.Notify(ctx, notify.Event{
		UserID: ownerID, Kind: "wallet_withdrawal",
		Title: "Wallet withdrawal", Body: description,
	})
	return w, nil
}

// afterMovement records history and touches the activity timestamp.
// Both are best-effort: the ledger entry is already committed.
func (s *Service) afterMovement(ctx context.Context, w *Wallet, entry *ledger.Entry, dir history.Direction, title, description string) {
	if s.recorder != nil {
		if _, err := s.recorder.Record(ctx, history.Record{
			OwnerID:       w.OwnerID,
			Type:          string(entry.Type),
			Direction:     dir,
			Amount:        entry.Amount,
			Title:         title,
			Description:   description,
			LedgerEntryID: entry.ID,
			ReferenceKind: entry.ReferenceKind,
			ReferenceID:   entry.ReferenceID,
		}); err != nil {
			logging.L(ctx).Warn("failed to record transaction history",
				"wallet_id", w.ID, "entry_id", entry.ID, "error", err)
		}
	}

	w.LastActivityAt = time.Now()
	if err := s.store.Update(ctx, w); err != nil {
		logging.L(ctx).Warn("failed to touch wallet activity",
			"wallet_id", w.ID, "error", err)
	}
}

// Balance returns the wallet's current ledger balance.
func (s *Service) Balance(ctx context.Context, ownerID string) (string, error) {
	w, err := s.Open(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return s.journal.GetBalance(ctx, w.AccountID)
}

// Deactivate blocks further wallet operations.
func (s *Service) Deactivate(ctx context.Context, ownerID string) (*Wallet, error) {
	return s.setActive(ctx, ownerID, false)
}

// Reactivate re-enables a deactivated wallet.
func (s *Service) Reactivate(ctx context.Context, ownerID string) (*Wallet, error) {
	return s.setActive(ctx, ownerID, true)
}

func (s *Service) setActive(ctx context.Context, ownerID string, active bool) (*Wallet, error) {
	w, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if w.Active == active {
		return w, nil
	}
	w.Active = active
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}
