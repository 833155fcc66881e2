package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/unimall/settlecore/internal/money"
)

// PostgresStore persists escrow rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, escrow_number, buyer_id, payee_id, amount, currency,
		       reference_kind, reference_id, status, resolution_note,
		       resolved_by, resolved_at, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	e.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			id, escrow_number, buyer_id, payee_id, amount, currency,
			reference_kind, reference_id, status, resolution_note,
			resolved_by, resolved_at, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,2), $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		e.ID, e.Number, e.BuyerID, e.PayeeID, e.Amount, e.Currency,
		e.ReferenceKind, e.ReferenceID, string(e.Status), nullString(e.ResolutionNote),
		nullString(e.ResolvedBy), nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt, e.Version,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) FindByReference(ctx context.Context, referenceKind, referenceID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE reference_kind = $1 AND reference_id = $2`, referenceKind, referenceID)
	return scanEscrow(row)
}

// Update writes the row with an optimistic version check. A zero row
// count against an existing ID means another resolution got there first.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, resolution_note = $2, resolved_by = $3,
			resolved_at = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		string(e.Status), nullString(e.ResolutionNote), nullString(e.ResolvedBy),
		nullTime(e.ResolvedAt), e.UpdatedAt, e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_accounts WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrStaleEscrow
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE buyer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var escrows []*Escrow
	for rows.Next() {
		e, err := scanEscrowRow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row *sql.Row) (*Escrow, error) {
	e, err := scanEscrowRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func scanEscrowRow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var status string
	var note, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Number, &e.BuyerID, &e.PayeeID, &e.Amount, &e.Currency,
		&e.ReferenceKind, &e.ReferenceID, &status, &note,
		&resolvedBy, &resolvedAt, &e.CreatedAt, &e.UpdatedAt, &e.Version); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.ResolutionNote = note.String
	e.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	amt, _ := money.Parse(e.Amount)
	e.Amount = money.Format(amt)
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
