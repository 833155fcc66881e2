// Package notify informs users about wallet and escrow events.
// Delivery is fire-and-forget: failures never roll back the ledger
// operation that triggered them.
package notify

import (
	"context"

	"github.com/unimall/settlecore/internal/logging"
)

// Event is one user-facing notification.
type Event struct {
	UserID string
	Kind   string // wallet_topup, wallet_withdrawal, escrow_released, ...
	Title  string
	Body   string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes notifications to the structured log. It stands in
// for the real delivery channel, which lives outside the settlement core.
type LogNotifier struct{}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	logging.L(ctx).Info("notification",
		"user_id", event.UserID,
		"kind", event.Kind,
		"title", event.Title,
	)
}

// NopNotifier discards notifications. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, event Event) {}
