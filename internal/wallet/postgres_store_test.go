//go:build integration

package wallet

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/unimall/settlecore/internal/testutil"
)

func pgStore(t *testing.T) (*PostgresStore, *sql.DB, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), db, cleanup
}

// wallets.account_id references ledger_accounts, so tests seed the
// backing account row directly.
func seedAccount(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO ledger_accounts (id, owner_kind, owner_ref, currency, balance, created_at)
		VALUES ($1, 'WALLET', $1, 'USD', 0, now())
	`, id)
	if err != nil {
		t.Fatalf("seed ledger account: %v", err)
	}
}

func TestPostgres_CreateAndGetByOwner(t *testing.T) {
	store, db, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, db, "acct-1")
	now := time.Now()
	w := &Wallet{
		ID: "wal-1", OwnerID: "user-1", AccountID: "acct-1",
		Currency: "USD", Active: true, LastActivityAt: now, CreatedAt: now,
	}
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByOwner: %v", err)
	}
	if got.ID != "wal-1" || got.AccountID != "acct-1" || !got.Active {
		t.Errorf("unexpected wallet: %+v", got)
	}

	if _, err := store.GetByOwner(ctx, "user-missing"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("missing owner: got %v, want ErrWalletNotFound", err)
	}
}

func TestPostgres_OneWalletPerOwner(t *testing.T) {
	store, db, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, db, "acct-1")
	seedAccount(t, db, "acct-2")
	now := time.Now()
	first := &Wallet{
		ID: "wal-1", OwnerID: "user-1", AccountID: "acct-1",
		Currency: "USD", Active: true, LastActivityAt: now, CreatedAt: now,
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := &Wallet{
		ID: "wal-2", OwnerID: "user-1", AccountID: "acct-2",
		Currency: "USD", Active: true, LastActivityAt: now, CreatedAt: now,
	}
	if err := store.Create(ctx, second); err == nil {
		t.Fatal("expected unique violation for second wallet on same owner")
	}
}

func TestPostgres_UpdateActivity(t *testing.T) {
	store, db, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, db, "acct-1")
	created := time.Now().Add(-time.Hour)
	w := &Wallet{
		ID: "wal-1", OwnerID: "user-1", AccountID: "acct-1",
		Currency: "USD", Active: true, LastActivityAt: created, CreatedAt: created,
	}
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.Active = false
	w.LastActivityAt = time.Now()
	if err := store.Update(ctx, w); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := store.GetByOwner(ctx, "user-1")
	if got.Active {
		t.Error("wallet should be inactive after update")
	}
	if !got.LastActivityAt.After(created) {
		t.Error("last activity timestamp should advance")
	}

	ghost := &Wallet{ID: "wal-missing", LastActivityAt: time.Now()}
	if err := store.Update(ctx, ghost); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("update missing: got %v, want ErrWalletNotFound", err)
	}
}
