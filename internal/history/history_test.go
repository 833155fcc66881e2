package history

import (
	"context"
	"errors"
	"testing"
)

func TestRecord_FillsIDAndTimestamp(t *testing.T) {
	r := NewRecorder(NewMemoryStore())

	rec, err := r.Record(context.Background(), Record{
		OwnerID:   "user-1",
		Type:      "WALLET_TOPUP",
		Direction: DirectionCredit,
		Amount:    "100.00",
		Title:     "Wallet top-up",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected generated ID")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestRecord_RejectsInvalid(t *testing.T) {
	r := NewRecorder(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name string
		rec  Record
	}{
		{"missing owner", Record{Direction: DirectionCredit, Amount: "1"}},
		{"missing amount", Record{OwnerID: "u", Direction: DirectionDebit}},
		{"bad direction", Record{OwnerID: "u", Amount: "1", Direction: "SIDEWAYS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Record(ctx, tt.rec); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("got %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestList_NewestFirstAndScopedToOwner(t *testing.T) {
	r := NewRecorder(NewMemoryStore())
	ctx := context.Background()

	for _, amount := range []string{"1.00", "2.00", "3.00"} {
		if _, err := r.Record(ctx, Record{
			OwnerID: "user-1", Type: "WALLET_TOPUP", Direction: DirectionCredit,
			Amount: amount, Title: "top-up",
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if _, err := r.Record(ctx, Record{
		OwnerID: "user-2", Type: "WALLET_TOPUP", Direction: DirectionCredit,
		Amount: "9.00", Title: "top-up",
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	records, err := r.List(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Amount != "3.00" {
		t.Errorf("expected newest first, got %s", records[0].Amount)
	}
	for _, rec := range records {
		if rec.OwnerID != "user-1" {
			t.Errorf("leaked record for %s", rec.OwnerID)
		}
	}
}
