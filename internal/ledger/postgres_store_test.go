//go:build integration

package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unimall/settlecore/internal/testutil"
)

func pgStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgAccount(t *testing.T, store *PostgresStore, kind OwnerKind, ownerRef string) *Account {
	t.Helper()
	acct := &Account{
		ID:        "acct-" + string(kind) + "-" + ownerRef,
		OwnerKind: kind,
		OwnerRef:  ownerRef,
		Currency:  "USD",
		CreatedAt: time.Now(),
	}
	if err := store.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("CreateAccount(%s): %v", kind, err)
	}
	return acct
}

func TestPostgres_AccountIdentityIsUnique(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	acct := pgAccount(t, store, KindWallet, "user-1")

	dup := &Account{
		ID: "acct-dup", OwnerKind: KindWallet, OwnerRef: "user-1",
		Currency: "USD", CreatedAt: time.Now(),
	}
	if err := store.CreateAccount(ctx, dup); err == nil {
		t.Fatal("expected unique violation for duplicate (kind, owner, currency)")
	}

	found, err := store.FindAccount(ctx, KindWallet, "user-1", "USD")
	if err != nil {
		t.Fatalf("FindAccount: %v", err)
	}
	if found.ID != acct.ID {
		t.Errorf("FindAccount returned %s, want %s", found.ID, acct.ID)
	}
}

func TestPostgres_SystemAccountNullOwnerRef(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	pgAccount(t, store, KindExternalIn, "")

	// The partial-identity index must treat NULL owner_ref as a
	// singleton per (kind, currency).
	dup := &Account{
		ID: "acct-ext-dup", OwnerKind: KindExternalIn,
		Currency: "USD", CreatedAt: time.Now(),
	}
	if err := store.CreateAccount(ctx, dup); err == nil {
		t.Fatal("expected unique violation for second EXTERNAL_IN/USD account")
	}

	if _, err := store.FindAccount(ctx, KindExternalIn, "", "USD"); err != nil {
		t.Fatalf("FindAccount with empty owner ref: %v", err)
	}
}

func TestPostgres_AppendMovesBalances(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	extIn := pgAccount(t, store, KindExternalIn, "")
	wallet := pgAccount(t, store, KindWallet, "user-1")

	entry := &Entry{
		ID: "ent-1", FromAccountID: extIn.ID, ToAccountID: wallet.ID,
		Amount: "100.00", Type: EntryWalletTopUp, CreatedAt: time.Now(),
	}
	if err := store.Append(ctx, entry, false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	bal, err := store.Balance(ctx, wallet.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != "100.00" {
		t.Errorf("wallet balance = %s, want 100.00", bal)
	}

	derived, agree, err := store.ReconcileBalance(ctx, wallet.ID)
	if err != nil {
		t.Fatalf("ReconcileBalance: %v", err)
	}
	if !agree || derived != "100.00" {
		t.Errorf("reconcile = (%s, %v), want (100.00, true)", derived, agree)
	}

	// The unguarded source went negative and must read back with its sign.
	bal, err = store.Balance(ctx, extIn.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != "-100.00" {
		t.Errorf("EXTERNAL_IN balance = %s, want -100.00", bal)
	}
	derived, agree, err = store.ReconcileBalance(ctx, extIn.ID)
	if err != nil {
		t.Fatalf("ReconcileBalance: %v", err)
	}
	if !agree || derived != "-100.00" {
		t.Errorf("reconcile = (%s, %v), want (-100.00, true)", derived, agree)
	}
}

func TestPostgres_GuardedAppendRejectsOverdraw(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	extIn := pgAccount(t, store, KindExternalIn, "")
	extOut := pgAccount(t, store, KindExternalOut, "")
	wallet := pgAccount(t, store, KindWallet, "user-1")

	seed := &Entry{
		ID: "ent-seed", FromAccountID: extIn.ID, ToAccountID: wallet.ID,
		Amount: "50.00", Type: EntryWalletTopUp, CreatedAt: time.Now(),
	}
	if err := store.Append(ctx, seed, false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	overdraw := &Entry{
		ID: "ent-over", FromAccountID: wallet.ID, ToAccountID: extOut.ID,
		Amount: "50.01", Type: EntryWalletWithdrawal, CreatedAt: time.Now(),
	}
	if err := store.Append(ctx, overdraw, true); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	bal, _ := store.Balance(ctx, wallet.ID)
	if bal != "50.00" {
		t.Errorf("balance after rejected overdraw = %s, want 50.00", bal)
	}

	entries, err := store.EntriesByAccount(ctx, wallet.ID, 10)
	if err != nil {
		t.Fatalf("EntriesByAccount: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 (rejected entry must not persist)", len(entries))
	}
}

func TestPostgres_AppendUnknownAccount(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	wallet := pgAccount(t, store, KindWallet, "user-1")

	entry := &Entry{
		ID: "ent-x", FromAccountID: "acct-missing", ToAccountID: wallet.ID,
		Amount: "10.00", Type: EntryWalletTopUp, CreatedAt: time.Now(),
	}
	if err := store.Append(ctx, entry, false); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
