// Package settlement turns a confirmed checkout payment into an escrow
// hold plus exactly one domain fulfillment.
//
// Flow:
//  1. Upstream payment rail confirms funds → OnPaymentCompleted(session)
//  2. The domain's payee extractor names who gets paid
//  3. Buyer funds move into escrow (skipped for zero-amount sessions)
//  4. The domain's post-payment handler creates the fulfillment record
//     (order, booking, group join), retried on transient failure
//  5. Success completes the session; exhaustion parks the money in
//     escrow for manual reconciliation, never an automatic refund
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrSessionNotPayable = errors.New("checkout session is not in a payable state")
	ErrUnknownDomain     = errors.New("no settlement registration for session domain")
)

// SessionStatus tracks a checkout session through settlement.
type SessionStatus string

const (
	StatusPendingPayment   SessionStatus = "PENDING_PAYMENT"
	StatusPaymentCompleted SessionStatus = "PAYMENT_COMPLETED"
	StatusCompleted        SessionStatus = "COMPLETED"
	StatusPaymentFailed    SessionStatus = "PAYMENT_FAILED"
	StatusExpired          SessionStatus = "EXPIRED"
)

// Domain tags select the settlement registration for a session.
type Domain string

const (
	DomainProduct       Domain = "PRODUCT"
	DomainEvent         Domain = "EVENT"
	DomainGroupPurchase Domain = "GROUP_PURCHASE"
)

// Session is the checkout session view the settlement core consumes.
// The session itself is owned by the checkout collaborator; settlement
// reads its payment facts and writes its status.
type Session struct {
	ID            string        `json:"id"`
	Domain        Domain        `json:"domain"`
	BuyerID       string        `json:"buyerId"`
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	ReferenceKind string        `json:"referenceKind"`
	ReferenceID   string        `json:"referenceId"`
	Status        SessionStatus `json:"status"`

	// FulfillmentPending marks money secured but domain fulfillment not
	// yet confirmed. Replayed completion events re-run the handler while
	// this is set.
	FulfillmentPending bool `json:"fulfillmentPending"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionStore is the narrow persistence surface settlement needs from
// the checkout collaborator.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
}

// MemorySessionStore is an in-memory session store for demo/development
// mode and tests.
type MemorySessionStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

// Put seeds a session (checkout collaborator stand-in).
func (m *MemorySessionStore) Put(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	m.sessions[cp.ID] = &cp
}

// Create stores a new session, rejecting duplicate IDs.
func (m *MemorySessionStore) Create(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("checkout session %s already exists", session.ID)
	}
	cp := *session
	m.sessions[cp.ID] = &cp
	return nil
}

func (m *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessionStore) Update(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	session.UpdatedAt = time.Now()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// PayeeResolutionError means the domain entity backing the session
// (shop, event, group) could not name a payee. Never retried.
type PayeeResolutionError struct {
	Domain Domain
	Err    error
}

func (e *PayeeResolutionError) Error() string {
	return fmt.Sprintf("settlement: cannot resolve payee for %s session: %v", e.Domain, e.Err)
}

func (e *PayeeResolutionError) Unwrap() error { return e.Err }

// TransientError marks a handler failure worth retrying (downstream
// timeouts, lock conflicts). Anything unmarked is treated as fatal.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the dispatcher will retry it.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FulfillmentError is returned when the post-payment handler did not
// succeed. Funds stay escrowed; Exhausted distinguishes retry
// exhaustion from a fatal first-attempt failure.
type FulfillmentError struct {
	SessionID string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *FulfillmentError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("settlement: fulfillment for session %s failed after %d attempts: %v",
			e.SessionID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("settlement: fulfillment for session %s failed fatally: %v", e.SessionID, e.Err)
}

func (e *FulfillmentError) Unwrap() error { return e.Err }
