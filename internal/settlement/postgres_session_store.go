package settlement

import (
	"context"
	"database/sql"

	"github.com/unimall/settlecore/internal/money"
)

// PostgresSessionStore persists checkout sessions in PostgreSQL.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore creates a new PostgreSQL-backed session store.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

const sessionColumns = `id, domain, buyer_id, amount, currency, reference_kind,
			reference_id, status, fulfillment_pending, created_at, updated_at`

func (p *PostgresSessionStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (
			id, domain, buyer_id, amount, currency, reference_kind,
			reference_id, status, fulfillment_pending, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5, $6,
			$7, $8, $9, $10, $11
		)`,
		s.ID, string(s.Domain), s.BuyerID, s.Amount, s.Currency, s.ReferenceKind,
		s.ReferenceID, string(s.Status), s.FulfillmentPending, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id)

	s := &Session{}
	var domain, status string
	err := row.Scan(&s.ID, &domain, &s.BuyerID, &s.Amount, &s.Currency, &s.ReferenceKind,
		&s.ReferenceID, &status, &s.FulfillmentPending, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Domain = Domain(domain)
	s.Status = SessionStatus(status)
	amt, _ := money.Parse(s.Amount)
	s.Amount = money.Format(amt)
	return s, nil
}

func (p *PostgresSessionStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET
			status = $1, fulfillment_pending = $2, updated_at = now()
		WHERE id = $3`,
		string(s.Status), s.FulfillmentPending, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}
