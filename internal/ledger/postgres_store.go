package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/unimall/settlecore/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
//
// A cached running balance is kept on ledger_accounts and updated in the
// same transaction as each entry insert; ledger_entries stays the
// authoritative record (see ReconcileBalance).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, owner_kind, owner_ref, currency, balance, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, account.ID, string(account.OwnerKind), nullString(account.OwnerRef), account.Currency, account.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Unique violation: another request created the same identity first.
			return fmt.Errorf("account already exists for (%s, %s, %s): %w",
				account.OwnerKind, account.OwnerRef, account.Currency, err)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner_kind, owner_ref, currency, created_at
		FROM ledger_accounts WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (p *PostgresStore) FindAccount(ctx context.Context, kind OwnerKind, ownerRef, currency string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner_kind, owner_ref, currency, created_at
		FROM ledger_accounts
		WHERE owner_kind = $1 AND COALESCE(owner_ref, '') = $2 AND currency = $3
	`, string(kind), ownerRef, currency)
	return scanAccount(row)
}

// Append inserts an entry and moves the cached balances in one
// transaction. The source row is locked with FOR UPDATE so the balance
// check and the write form a single atomic unit; the CHECK constraint on
// guarded accounts backstops overdraft at the database level.
func (p *PostgresStore) Append(ctx context.Context, entry *Entry, guardSource bool) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var balance string
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE id = $1 FOR UPDATE
	`, entry.FromAccountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}

	if guardSource && money.Cmp(balance, entry.Amount) < 0 {
		return ErrInsufficientBalance
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = balance - $2::NUMERIC(20,2)
		WHERE id = $1
	`, entry.FromAccountID, entry.Amount)
	if err != nil {
		return fmt.Errorf("failed to debit source account: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = balance + $2::NUMERIC(20,2)
		WHERE id = $1
	`, entry.ToAccountID, entry.Amount)
	if err != nil {
		return fmt.Errorf("failed to credit destination account: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, from_account_id, to_account_id, amount, type,
			reference_kind, reference_id, description, actor_id, created_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.FromAccountID, entry.ToAccountID, entry.Amount, string(entry.Type),
		nullString(entry.ReferenceKind), nullString(entry.ReferenceID),
		nullString(entry.Description), nullString(entry.ActorID), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Balance(ctx context.Context, accountID string) (string, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE id = $1
	`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}
	v, _ := money.Parse(balance)
	return money.Format(v), nil
}

// ReconcileBalance recomputes an account balance from the entry log and
// compares it against the cached column. Returns the derived balance and
// whether the cache agrees.
func (p *PostgresStore) ReconcileBalance(ctx context.Context, accountID string) (string, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: true})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var cached string
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE id = $1
	`, accountID).Scan(&cached)
	if err == sql.ErrNoRows {
		return "", false, ErrAccountNotFound
	}
	if err != nil {
		return "", false, err
	}

	var derived string
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE to_account_id = $1) -
			(SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE from_account_id = $1),
		0)
	`, accountID).Scan(&derived)
	if err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}

	d, _ := money.Parse(derived)
	return money.Format(d), money.Cmp(cached, derived) == 0, nil
}

func (p *PostgresStore) EntriesByAccount(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, type,
		       reference_kind, reference_id, description, actor_id, created_at
		FROM ledger_entries
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var entryType string
		var refKind, refID, description, actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.FromAccountID, &e.ToAccountID, &e.Amount, &entryType,
			&refKind, &refID, &description, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		e.ReferenceKind = refKind.String
		e.ReferenceID = refID.String
		e.Description = description.String
		e.ActorID = actorID.String
		amt, _ := money.Parse(e.Amount)
		e.Amount = money.Format(amt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	var kind string
	var ownerRef sql.NullString
	err := row.Scan(&a.ID, &kind, &ownerRef, &a.Currency, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.OwnerKind = OwnerKind(kind)
	a.OwnerRef = ownerRef.String
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
