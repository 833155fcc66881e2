// Package history keeps a user-readable, append-only mirror of ledger
// movements. It is written by the wallet and settlement layers and never
// participates in balance derivation.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/unimall/settlecore/internal/idgen"
)

var ErrInvalidRecord = errors.New("invalid history record")

// Direction marks which way money moved from the owner's perspective.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Record is one user-visible transaction history row.
type Record struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Type          string    `json:"type"` // mirrors the ledger entry type
	Direction     Direction `json:"direction"`
	Amount        string    `json:"amount"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	LedgerEntryID string    `json:"ledgerEntryId,omitempty"`
	ReferenceKind string    `json:"referenceKind,omitempty"`
	ReferenceID   string    `json:"referenceId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists history rows.
type Store interface {
	Append(ctx context.Context, record *Record) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error)
}

// Recorder appends history rows on behalf of the core services.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one row, filling ID and timestamp.
func (r *Recorder) Record(ctx context.Context, record Record) (*Record, error) {
	if record.OwnerID == "" || record.Amount == "" {
		return nil, ErrInvalidRecord
	}
	if record.Direction != DirectionCredit && record.Direction != DirectionDebit {
		return nil, ErrInvalidRecord
	}

	record.ID = idgen.WithPrefix("txh_")
	record.CreatedAt = time.Now()

	if err := r.store.Append(ctx, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns the most recent rows for an owner.
func (r *Recorder) List(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListByOwner(ctx, ownerID, limit)
}
