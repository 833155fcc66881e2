package wallet

import (
	"context"
	"database/sql"
)

// PostgresStore persists wallet rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, account_id, currency, active, last_activity_at, created_at
		FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&w.ID, &w.OwnerID, &w.AccountID, &w.Currency, &w.Active, &w.LastActivityAt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, account_id, currency, active, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.OwnerID, w.AccountID, w.Currency, w.Active, w.LastActivityAt, w.CreatedAt)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, w *Wallet) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET active = $1, last_activity_at = $2 WHERE id = $3
	`, w.Active, w.LastActivityAt, w.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}
