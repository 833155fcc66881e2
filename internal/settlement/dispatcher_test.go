package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unimall/settlecore/internal/escrow"
	"github.com/unimall/settlecore/internal/history"
	"github.com/unimall/settlecore/internal/ledger"
)

// fixedExtractor names a constant payee.
type fixedExtractor struct {
	payeeID string
	err     error
}

func (f *fixedExtractor) ExtractPayee(ctx context.Context, session *Session) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.payeeID, nil
}

// scriptedHandler fails a set number of times before succeeding.
type scriptedHandler struct {
	mu        sync.Mutex
	calls     int
	failures  int
	failWith  error
	lastEsc   *escrow.Escrow
	sawNilEsc bool
}

func (h *scriptedHandler) HandlePostPayment(ctx context.Context, session *Session, esc *escrow.Escrow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.lastEsc = esc
	if esc == nil {
		h.sawNilEsc = true
	}
	if h.calls <= h.failures {
		return h.failWith
	}
	return nil
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	dispatcher *Dispatcher
	sessions   *MemorySessionStore
	escrows    *escrow.Manager
	journal    *ledger.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal := ledger.NewJournal(ledger.NewMemoryStore())
	escrows := escrow.NewManager(escrow.NewMemoryStore(), journal)
	sessions := NewMemorySessionStore()
	d := NewDispatcher(sessions, escrows, WithRetryPolicy(3, time.Millisecond))
	return &fixture{dispatcher: d, sessions: sessions, escrows: escrows, journal: journal}
}

func (f *fixture) fundBuyer(t *testing.T, buyerID, amount string) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.journal.WalletAccount(ctx, buyerID, "USD")
	if err != nil {
		t.Fatalf("WalletAccount: %v", err)
	}
	extIn, err := f.journal.SystemAccount(ctx, ledger.KindExternalIn, "USD")
	if err != nil {
		t.Fatalf("SystemAccount: %v", err)
	}
	if _, err := f.journal.CreateEntry(ctx, ledger.EntryRequest{
		FromAccountID: extIn.ID, ToAccountID: acct.ID, Amount: amount,
		Type: ledger.EntryWalletTopUp, Description: "seed",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) buyerBalance(t *testing.T, buyerID string) string {
	t.Helper()
	ctx := context.Background()
	acct, _ := f.journal.WalletAccount(ctx, buyerID, "USD")
	bal, err := f.journal.GetBalance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return bal
}

func productSession(id string) *Session {
	return &Session{
		ID:            id,
		Domain:        DomainProduct,
		BuyerID:       "buyer-1",
		Amount:        "80",
		Currency:      "USD",
		ReferenceKind: "ORDER",
		ReferenceID:   "order-" + id,
		Status:        StatusPendingPayment,
		CreatedAt:     time.Now(),
	}
}

func TestDispatch_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	handler := &scriptedHandler{}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
		t.Fatalf("OnPaymentCompleted: %v", err)
	}

	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.Status != StatusCompleted {
		t.Errorf("session status = %s, want COMPLETED", sess.Status)
	}
	if sess.FulfillmentPending {
		t.Error("fulfillment marker should be cleared")
	}
	if handler.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1", handler.callCount())
	}
	if f.buyerBalance(t, "buyer-1") != "20.00" {
		t.Errorf("buyer balance = %s, want 20.00", f.buyerBalance(t, "buyer-1"))
	}

	esc, err := f.escrows.GetByReference(ctx, "ORDER", "order-s1")
	if err != nil {
		t.Fatalf("expected escrow for order: %v", err)
	}
	if esc.Status != escrow.StatusHeld {
		t.Errorf("escrow status = %s, want HELD (released only on fulfillment confirmation)", esc.Status)
	}
	if handler.lastEsc == nil || handler.lastEsc.ID != esc.ID {
		t.Error("handler must receive the created escrow")
	}
}

func TestDispatch_ZeroAmountSkipsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler := &scriptedHandler{}
	f.dispatcher.Register(DomainEvent, Registration{
		Extractor: &fixedExtractor{payeeID: "organizer-1"},
		Handler:   handler,
	})
	sess := productSession("s1")
	sess.Domain = DomainEvent
	sess.Amount = "0"
	sess.ReferenceKind = "BOOKING"
	f.sessions.Put(sess)

	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
		t.Fatalf("OnPaymentCompleted: %v", err)
	}
	if !handler.sawNilEsc {
		t.Error("handler should receive a nil escrow for a free session")
	}
	if _, err := f.escrows.GetByReference(ctx, "BOOKING", "order-s1"); !errors.Is(err, escrow.ErrEscrowNotFound) {
		t.Errorf("no escrow should exist, got %v", err)
	}
}

func TestDispatch_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "200")

	handler := &scriptedHandler{}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	for i := 0; i < 3; i++ {
		if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	if handler.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1", handler.callCount())
	}
	// Charged exactly once.
	if f.buyerBalance(t, "buyer-1") != "120.00" {
		t.Errorf("buyer balance = %s, want 120.00", f.buyerBalance(t, "buyer-1"))
	}
}

func TestDispatch_TransientFailureRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	handler := &scriptedHandler{failures: 2, failWith: Transient(errors.New("inventory lock timeout"))}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
		t.Fatalf("OnPaymentCompleted: %v", err)
	}
	if handler.callCount() != 3 {
		t.Errorf("handler calls = %d, want 3", handler.callCount())
	}
	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.Status != StatusCompleted {
		t.Errorf("session status = %s, want COMPLETED", sess.Status)
	}
}

func TestDispatch_ExhaustionParksFundsThenReplayRepairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	handler := &scriptedHandler{failures: 4, failWith: Transient(errors.New("order service down"))}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	err := f.dispatcher.OnPaymentCompleted(ctx, "s1")
	var ferr *FulfillmentError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FulfillmentError, got %v", err)
	}
	if !ferr.Exhausted || ferr.Attempts != 3 {
		t.Errorf("exhausted=%v attempts=%d, want true/3", ferr.Exhausted, ferr.Attempts)
	}

	// Money parked: session PAYMENT_COMPLETED, escrow HELD, never refunded.
	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.Status != StatusPaymentCompleted || !sess.FulfillmentPending {
		t.Errorf("session = %s pending=%v, want PAYMENT_COMPLETED/true", sess.Status, sess.FulfillmentPending)
	}
	esc, err := f.escrows.GetByReference(ctx, "ORDER", "order-s1")
	if err != nil {
		t.Fatalf("escrow must survive exhaustion: %v", err)
	}
	if esc.Status != escrow.StatusHeld {
		t.Errorf("escrow status = %s, want HELD", esc.Status)
	}
	if f.buyerBalance(t, "buyer-1") != "20.00" {
		t.Errorf("buyer balance = %s, want 20.00 (no auto-refund)", f.buyerBalance(t, "buyer-1"))
	}

	// Replaying the completion event repairs the pending fulfillment
	// without a second charge (handler succeeds on attempt 5).
	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	sess, _ = f.sessions.Get(ctx, "s1")
	if sess.Status != StatusCompleted {
		t.Errorf("session after repair = %s, want COMPLETED", sess.Status)
	}
	if f.buyerBalance(t, "buyer-1") != "20.00" {
		t.Errorf("buyer charged twice: %s", f.buyerBalance(t, "buyer-1"))
	}
}

// The buyer sees one payment row per settlement, no matter how many
// repair replays it takes to finish the fulfillment.
func TestDispatch_ReplayRecordsPaymentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	recorder := history.NewRecorder(history.NewMemoryStore())
	f.dispatcher = NewDispatcher(f.sessions, f.escrows,
		WithRetryPolicy(3, time.Millisecond), WithHistory(recorder))

	handler := &scriptedHandler{failures: 6, failWith: Transient(errors.New("order service down"))}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	// Two dispatches exhaust their three attempts each; the third succeeds.
	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err == nil {
		t.Fatal("expected exhaustion on first dispatch")
	}
	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err == nil {
		t.Fatal("expected exhaustion on second dispatch")
	}
	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
		t.Fatalf("third dispatch: %v", err)
	}

	rows, err := recorder.List(ctx, "buyer-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	if rows[0].Type != "ESCROW_HOLD" || rows[0].Amount != "80" {
		t.Errorf("row = %s/%s, want ESCROW_HOLD/80", rows[0].Type, rows[0].Amount)
	}
}

func TestDispatch_FatalFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	handler := &scriptedHandler{failures: 99, failWith: errors.New("shop has no owner")}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	err := f.dispatcher.OnPaymentCompleted(ctx, "s1")
	var ferr *FulfillmentError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FulfillmentError, got %v", err)
	}
	if ferr.Exhausted {
		t.Error("fatal failures must not be marked exhausted")
	}
	if handler.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1 (no retry on fatal)", handler.callCount())
	}
}

func TestDispatch_PayeeResolutionFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{err: errors.New("shop deleted")},
		Handler:   &scriptedHandler{},
	})
	f.sessions.Put(productSession("s1"))

	err := f.dispatcher.OnPaymentCompleted(ctx, "s1")
	var perr *PayeeResolutionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PayeeResolutionError, got %v", err)
	}
	// No money may move before the payee is known.
	if f.buyerBalance(t, "buyer-1") != "100.00" {
		t.Errorf("buyer balance = %s, want 100.00", f.buyerBalance(t, "buyer-1"))
	}
}

func TestDispatch_UnknownDomain(t *testing.T) {
	f := newFixture(t)
	f.sessions.Put(productSession("s1"))

	err := f.dispatcher.OnPaymentCompleted(context.Background(), "s1")
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}

func TestDispatch_InsufficientBalanceLeavesSessionPayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "10")

	handler := &scriptedHandler{}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	err := f.dispatcher.OnPaymentCompleted(ctx, "s1")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if handler.callCount() != 0 {
		t.Error("handler must not run without a hold")
	}
	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.Status != StatusPendingPayment {
		t.Errorf("session status = %s, want PENDING_PAYMENT", sess.Status)
	}
}

func TestDispatch_NonPayableStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, status := range []SessionStatus{StatusPaymentFailed, StatusExpired} {
		sess := productSession("s-" + string(status))
		sess.Status = status
		f.sessions.Put(sess)
		if err := f.dispatcher.OnPaymentCompleted(ctx, sess.ID); !errors.Is(err, ErrSessionNotPayable) {
			t.Errorf("status %s: got %v, want ErrSessionNotPayable", status, err)
		}
	}

	if err := f.dispatcher.OnPaymentCompleted(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session: got %v, want ErrSessionNotFound", err)
	}
}

func TestDispatch_DeferredFulfillment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "100")

	handler := &scriptedHandler{}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
		Deferred:  true,
	})
	f.sessions.Put(productSession("s1"))

	if err := f.dispatcher.OnPaymentCompleted(ctx, "s1"); err != nil {
		t.Fatalf("OnPaymentCompleted: %v", err)
	}

	// The dispatch returns once money is secured; the handler runs in
	// the background until Wait drains it.
	f.dispatcher.Wait()

	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.Status != StatusCompleted {
		t.Errorf("session status after deferred fulfillment = %s, want COMPLETED", sess.Status)
	}
	if handler.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1", handler.callCount())
	}
}

func TestDispatch_ConcurrentReplaysSingleCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundBuyer(t, "buyer-1", "200")

	handler := &scriptedHandler{}
	f.dispatcher.Register(DomainProduct, Registration{
		Extractor: &fixedExtractor{payeeID: "shop-owner-1"},
		Handler:   handler,
	})
	f.sessions.Put(productSession("s1"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.dispatcher.OnPaymentCompleted(ctx, "s1")
		}()
	}
	wg.Wait()

	if handler.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1", handler.callCount())
	}
	if f.buyerBalance(t, "buyer-1") != "120.00" {
		t.Errorf("buyer balance = %s, want 120.00", f.buyerBalance(t, "buyer-1"))
	}
}
