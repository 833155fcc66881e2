package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unimall/settlecore/internal/escrow"
	"github.com/unimall/settlecore/internal/history"
	"github.com/unimall/settlecore/internal/logging"
	"github.com/unimall/settlecore/internal/metrics"
	"github.com/unimall/settlecore/internal/money"
	"github.com/unimall/settlecore/internal/retry"
)

// PayeeExtractor names the payee for a session's domain (the shop owner
// for a product purchase, the organizer for an event).
type PayeeExtractor interface {
	ExtractPayee(ctx context.Context, session *Session) (string, error)
}

// PostPaymentHandler performs the domain fulfillment after funds are
// escrowed. esc is nil for zero-amount sessions. Handlers must be
// idempotent: the dispatcher may invoke them again on retry or replay.
type PostPaymentHandler interface {
	HandlePostPayment(ctx context.Context, session *Session, esc *escrow.Escrow) error
}

// Escrower is the slice of the escrow manager the dispatcher uses.
type Escrower interface {
	Hold(ctx context.Context, req escrow.HoldRequest) (*escrow.Escrow, error)
}

// Registration binds a domain tag to its extractor and handler.
type Registration struct {
	Extractor PayeeExtractor
	Handler   PostPaymentHandler

	// Deferred runs the handler on a background goroutine after the
	// escrow hold commits. Used by domains whose fulfillment is heavy
	// and independently retryable (e.g. order creation from a cart).
	Deferred bool
}

// Dispatcher routes completed checkout payments to their domain
// handler, with escrow holds and a bounded retry policy.
type Dispatcher struct {
	sessions SessionStore
	escrows  Escrower
	recorder *history.Recorder

	mu       sync.RWMutex
	registry map[Domain]Registration

	attempts  int
	baseDelay time.Duration

	// serializes dispatch per session ID (idempotency guard)
	sessionLocks sync.Map

	deferredWG sync.WaitGroup
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy overrides the handler retry ceiling and base delay.
func WithRetryPolicy(attempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.baseDelay = baseDelay
	}
}

// WithHistory adds a transaction history recorder for buyer-visible
// payment rows.
func WithHistory(r *history.Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// NewDispatcher creates a settlement dispatcher. Defaults: 3 attempts,
// 2s base delay (2s, 4s, 8s with doubling).
func NewDispatcher(sessions SessionStore, escrows Escrower, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions:  sessions,
		escrows:   escrows,
		registry:  make(map[Domain]Registration),
		attempts:  3,
		baseDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a domain to its extractor and handler.
func (d *Dispatcher) Register(domain Domain, reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registry[domain] = reg
}

func (d *Dispatcher) registration(domain Domain) (Registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.registry[domain]
	return reg, ok
}

func (d *Dispatcher) sessionLock(id string) *sync.Mutex {
	v, _ := d.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// OnPaymentCompleted settles a session whose payment the upstream rail
// has just confirmed. Dispatch is keyed by the session ID: replays of
// the same completion event do not create a second escrow or re-run a
// confirmed fulfillment.
func (d *Dispatcher) OnPaymentCompleted(ctx context.Context, sessionID string) error {
	mu := d.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()

	session, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.Status {
	case StatusCompleted:
		// Replay of an already-fulfilled settlement.
		metrics.SettlementsTotal.WithLabelValues("replay").Inc()
		return nil
	case StatusPaymentCompleted:
		if !session.FulfillmentPending {
			metrics.SettlementsTotal.WithLabelValues("replay").Inc()
			return nil
		}
		// Money secured on a previous dispatch; only the handler is owed.
	case StatusPendingPayment:
		// First dispatch.
	default:
		return fmt.Errorf("%w: session %s is %s", ErrSessionNotPayable, session.ID, session.Status)
	}

	reg, ok := d.registration(session.Domain)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, session.Domain)
	}

	payeeID, err := reg.Extractor.ExtractPayee(ctx, session)
	if err != nil {
		return &PayeeResolutionError{Domain: session.Domain, Err: err}
	}

	// Zero-amount sessions (free tickets) settle without a hold.
	var esc *escrow.Escrow
	if money.IsPositive(session.Amount) {
		esc, err = d.escrows.Hold(ctx, escrow.HoldRequest{
			BuyerID:       session.BuyerID,
			PayeeID:       payeeID,
			Amount:        session.Amount,
			Currency:      session.Currency,
			ReferenceKind: session.ReferenceKind,
			ReferenceID:   session.ReferenceID,
			ActorID:       session.BuyerID,
		})
		if err != nil {
			return fmt.Errorf("settlement: escrow hold for session %s: %w", session.ID, err)
		}
		// Repair replays re-enter with the hold already recorded; only
		// the first dispatch owes the buyer a history row.
		if session.Status == StatusPendingPayment {
			d.recordPayment(ctx, session, esc)
		}
	}

	if session.Status == StatusPendingPayment {
		session.Status = StatusPaymentCompleted
		session.FulfillmentPending = true
		if err := d.sessions.Update(ctx, session); err != nil {
			// Escrow hold is idempotent per reference: the replay that
			// repairs this state will not double-hold.
			return fmt.Errorf("settlement: failed to mark session %s paid: %w", session.ID, err)
		}
	}

	if reg.Deferred {
		d.deferredWG.Add(1)
		bg := context.WithoutCancel(ctx)
		go func() {
			defer d.deferredWG.Done()
			if err := d.runHandler(bg, reg, session, esc, started); err != nil {
				logging.L(bg).Error("deferred fulfillment failed",
					"session_id", session.ID, "domain", string(session.Domain), "error", err)
			}
		}()
		metrics.SettlementsTotal.WithLabelValues("deferred").Inc()
		return nil
	}

	return d.runHandler(ctx, reg, session, esc, started)
}

// runHandler invokes the post-payment handler under the retry policy
// and completes the session on success. On exhaustion the session stays
// PAYMENT_COMPLETED and the escrow stays HELD: funds are parked, never
// auto-refunded, because the fulfillment may have partially succeeded.
func (d *Dispatcher) runHandler(ctx context.Context, reg Registration, session *Session, esc *escrow.Escrow, started time.Time) error {
	var attempt int
	err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		attempt++
		if attempt > 1 {
			metrics.SettlementRetriesTotal.Inc()
		}
		herr := reg.Handler.HandlePostPayment(ctx, session, esc)
		if herr == nil {
			return nil
		}
		if IsTransient(herr) {
			return herr
		}
		return retry.Permanent(herr)
	})
	if err != nil {
		exhausted := IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		outcome := "fatal"
		if exhausted {
			outcome = "exhausted"
		}
		metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
		logging.L(ctx).Error("post-payment handler failed, funds remain escrowed",
			"session_id", session.ID,
			"domain", string(session.Domain),
			"attempts", attempt,
			"exhausted", exhausted,
			"error", err,
		)
		return &FulfillmentError{
			SessionID: session.ID,
			Attempts:  attempt,
			Exhausted: exhausted,
			Err:       err,
		}
	}

	session.Status = StatusCompleted
	session.FulfillmentPending = false
	if uerr := d.sessions.Update(ctx, session); uerr != nil {
		logging.L(ctx).Error("fulfillment succeeded but session update failed",
			"session_id", session.ID, "error", uerr)
		return fmt.Errorf("settlement: failed to complete session %s: %w", session.ID, uerr)
	}

	metrics.SettlementsTotal.WithLabelValues("completed").Inc()
	metrics.SettlementDuration.Observe(time.Since(started).Seconds())
	return nil
}

// recordPayment writes the buyer-visible history row for the hold.
// Best-effort: the escrow entry is already committed.
func (d *Dispatcher) recordPayment(ctx context.Context, session *Session, esc *escrow.Escrow) {
	if d.recorder == nil {
		return
	}
	if _, err := d.recorder.Record(ctx, history.Record{
		OwnerID:       session.BuyerID,
		Type:          "ESCROW_HOLD",
		Direction:     history.DirectionDebit,
		Amount:        session.Amount,
		Title:         fmt.Sprintf("Payment for %s", session.ReferenceKind),
		Description:   fmt.Sprintf("escrow %s", esc.Number),
		ReferenceKind: session.ReferenceKind,
		ReferenceID:   session.ReferenceID,
	}); err != nil {
		logging.L(ctx).Warn("failed to record payment history",
			"session_id", session.ID, "error", err)
	}
}

// Wait blocks until all deferred fulfillments have finished. Called on
// shutdown and by tests.
func (d *Dispatcher) Wait() {
	d.deferredWG.Wait()
}
