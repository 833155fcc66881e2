package history

import (
	"context"
	"database/sql"

	"github.com/unimall/settlecore/internal/money"
)

// PostgresStore persists history rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transaction_history (
			id, owner_id, type, direction, amount, title, description,
			ledger_entry_id, reference_kind, reference_id, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11)
	`, r.ID, r.OwnerID, r.Type, string(r.Direction), r.Amount, r.Title,
		nullString(r.Description), nullString(r.LedgerEntryID),
		nullString(r.ReferenceKind), nullString(r.ReferenceID), r.CreatedAt)
	return err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, type, direction, amount, title, description,
		       ledger_entry_id, reference_kind, reference_id, created_at
		FROM transaction_history
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		var direction string
		var description, entryID, refKind, refID sql.NullString
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Type, &direction, &r.Amount, &r.Title,
			&description, &entryID, &refKind, &refID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Direction = Direction(direction)
		r.Description = description.String
		r.LedgerEntryID = entryID.String
		r.ReferenceKind = refKind.String
		r.ReferenceID = refID.String
		amt, _ := money.Parse(r.Amount)
		r.Amount = money.Format(amt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
