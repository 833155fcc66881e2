package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unimall/settlecore/internal/escrow"
	"github.com/unimall/settlecore/internal/idgen"
	"github.com/unimall/settlecore/internal/ledger"
	"github.com/unimall/settlecore/internal/logging"
	"github.com/unimall/settlecore/internal/metrics"
	"github.com/unimall/settlecore/internal/money"
	"github.com/unimall/settlecore/internal/settlement"
	"github.com/unimall/settlecore/internal/wallet"
)

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Wallet routes
	v1.POST("/wallets/:ownerId/topup", s.topUpHandler)
	v1.POST("/wallets/:ownerId/withdraw", s.withdrawHandler)
	v1.GET("/wallets/:ownerId/balance", s.balanceHandler)
	v1.GET("/wallets/:ownerId/history", s.historyHandler)
	v1.POST("/wallets/:ownerId/deactivate", s.deactivateHandler)
	v1.POST("/wallets/:ownerId/reactivate", s.reactivateHandler)

	// Escrow routes
	v1.GET("/escrows/:id", s.getEscrowHandler)
	v1.GET("/escrows", s.findEscrowHandler)
	v1.POST("/escrows/:id/release", s.releaseEscrowHandler)
	v1.POST("/escrows/:id/refund", s.refundEscrowHandler)
	v1.POST("/escrows/:id/dispute", s.disputeEscrowHandler)
	v1.GET("/parties/:partyId/escrows", s.listEscrowsHandler)

	// Checkout settlement routes
	v1.POST("/checkout", s.createCheckoutHandler)
	v1.GET("/checkout/:sessionId", s.getCheckoutHandler)
	v1.POST("/checkout/:sessionId/payment-completed", s.paymentCompletedHandler)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such route"})
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Wallet
// -----------------------------------------------------------------------------

type moveFundsRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) topUpHandler(c *gin.Context) {
	ownerID := c.Param("ownerId")

	var req moveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "amount is required")
		return
	}
	if !s.amountWithin(req.Amount, s.cfg.MinTopUp, s.cfg.MaxTopUp) {
		badRequest(c, "amount_out_of_range",
			"amount must be between "+s.cfg.MinTopUp+" and "+s.cfg.MaxTopUp)
		return
	}

	w, err := s.wallets.TopUp(c.Request.Context(), ownerID, req.Amount, req.Description)
	if err != nil {
		s.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func (s *Server) withdrawHandler(c *gin.Context) {
	ownerID := c.Param("ownerId")

	var req moveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "amount is required")
		return
	}
	if !s.amountWithin(req.Amount, "0", s.cfg.MaxWithdrawal) {
		badRequest(c, "amount_out_of_range",
			"amount must be positive and at most "+s.cfg.MaxWithdrawal)
		return
	}

	w, err := s.wallets.Withdraw(c.Request.Context(), ownerID, req.Amount, req.Description)
	if err != nil {
		s.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func (s *Server) balanceHandler(c *gin.Context) {
	ownerID := c.Param("ownerId")

	balance, err := s.wallets.Balance(c.Request.Context(), ownerID)
	if err != nil {
		s.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ownerId":  ownerID,
		"balance":  balance,
		"currency": s.cfg.DefaultCurrency,
	})
}

func (s *Server) historyHandler(c *gin.Context) {
	ownerID := c.Param("ownerId")

	records, err := s.recorder.List(c.Request.Context(), ownerID, 100)
	if err != nil {
		s.internalError(c, "failed to load history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}

func (s *Server) deactivateHandler(c *gin.Context) {
	w, err := s.wallets.Deactivate(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		s.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func (s *Server) reactivateHandler(c *gin.Context) {
	w, err := s.wallets.Reactivate(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		s.walletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// amountWithin reports whether amount parses and min <= amount <= max.
func (s *Server) amountWithin(amount, min, max string) bool {
	if _, ok := money.Parse(amount); !ok {
		return false
	}
	return money.Cmp(amount, min) >= 0 && money.Cmp(amount, max) <= 0
}

func (s *Server) walletError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "No wallet for this owner"})
	case errors.Is(err, wallet.ErrWalletInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "wallet_inactive", "message": "Wallet is deactivated"})
	case errors.Is(err, wallet.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": "Wallet balance is too low"})
	case errors.Is(err, wallet.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		badRequest(c, "invalid_amount", "amount must be a positive decimal")
	default:
		s.internalError(c, "wallet operation failed", err)
	}
}

// -----------------------------------------------------------------------------
// Escrow
// -----------------------------------------------------------------------------

func (s *Server) getEscrowHandler(c *gin.Context) {
	esc, err := s.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

func (s *Server) findEscrowHandler(c *gin.Context) {
	kind := c.Query("referenceKind")
	id := c.Query("referenceId")
	if kind == "" || id == "" {
		badRequest(c, "invalid_request", "referenceKind and referenceId query parameters are required")
		return
	}

	esc, err := s.escrows.GetByReference(c.Request.Context(), kind, id)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy" binding:"required"`
	Reason     string `json:"reason"`
}

func (s *Server) releaseEscrowHandler(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "resolvedBy is required")
		return
	}

	esc, err := s.escrows.Release(c.Request.Context(), c.Param("id"), req.ResolvedBy)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

func (s *Server) refundEscrowHandler(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "resolvedBy is required")
		return
	}

	esc, err := s.escrows.Refund(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Reason)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

func (s *Server) disputeEscrowHandler(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "reason is required")
		return
	}

	esc, err := s.escrows.Dispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

func (s *Server) listEscrowsHandler(c *gin.Context) {
	escrows, err := s.escrows.ListByParty(c.Request.Context(), c.Param("partyId"), 100)
	if err != nil {
		s.internalError(c, "failed to list escrows", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

func (s *Server) escrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found", "message": "No such escrow"})
	case errors.Is(err, escrow.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Escrow was already resolved the other way"})
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": "Escrow state does not allow this operation"})
	case errors.Is(err, escrow.ErrInvalidAmount):
		badRequest(c, "invalid_amount", "amount must be a positive decimal")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": "Buyer balance is too low"})
	default:
		s.internalError(c, "escrow operation failed", err)
	}
}

// -----------------------------------------------------------------------------
// Checkout settlement
// -----------------------------------------------------------------------------

type createCheckoutRequest struct {
	Domain        string `json:"domain" binding:"required"`
	BuyerID       string `json:"buyerId" binding:"required"`
	PayeeID       string `json:"payeeId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	ReferenceKind string `json:"referenceKind" binding:"required"`
	ReferenceID   string `json:"referenceId" binding:"required"`
}

func (s *Server) createCheckoutHandler(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "domain, buyerId, payeeId, amount, referenceKind and referenceId are required")
		return
	}

	domain := settlement.Domain(req.Domain)
	switch domain {
	case settlement.DomainProduct, settlement.DomainEvent, settlement.DomainGroupPurchase:
	default:
		badRequest(c, "invalid_domain", "domain must be PRODUCT, EVENT or GROUP_PURCHASE")
		return
	}

	amt, ok := money.Parse(req.Amount)
	if !ok || amt.Sign() < 0 {
		badRequest(c, "invalid_amount", "amount must be a non-negative decimal")
		return
	}

	session := &settlement.Session{
		ID:            idgen.WithPrefix("cks_"),
		Domain:        domain,
		BuyerID:       req.BuyerID,
		Amount:        money.Format(amt),
		Currency:      s.cfg.DefaultCurrency,
		ReferenceKind: req.ReferenceKind,
		ReferenceID:   req.ReferenceID,
		Status:        settlement.StatusPendingPayment,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.sessions.Create(c.Request.Context(), session); err != nil {
		s.internalError(c, "failed to create checkout session", err)
		return
	}
	s.checkout.setPayee(session.ID, req.PayeeID)

	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (s *Server) getCheckoutHandler(c *gin.Context) {
	session, err := s.sessions.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": "No such checkout session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (s *Server) paymentCompletedHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	err := s.dispatcher.OnPaymentCompleted(ctx, sessionID)

	var ferr *settlement.FulfillmentError
	var perr *settlement.PayeeResolutionError
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": "No such checkout session"})
		return
	case errors.Is(err, settlement.ErrSessionNotPayable):
		c.JSON(http.StatusConflict, gin.H{"error": "session_not_payable", "message": "Session is not awaiting payment"})
		return
	case errors.Is(err, settlement.ErrUnknownDomain):
		badRequest(c, "unknown_domain", "No settlement registration for this domain")
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": "Buyer balance is too low"})
		return
	case errors.As(err, &perr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payee_resolution_failed", "message": perr.Error()})
		return
	case errors.As(err, &ferr):
		// Money is secured in escrow; fulfillment needs repair or replay.
		c.JSON(http.StatusAccepted, gin.H{
			"status":    "fulfillment_pending",
			"attempts":  ferr.Attempts,
			"exhausted": ferr.Exhausted,
		})
		return
	default:
		s.internalError(c, "settlement failed", err)
		return
	}

	session, gerr := s.sessions.Get(ctx, sessionID)
	if gerr != nil {
		s.internalError(c, "settled session disappeared", gerr)
		return
	}
	if session.Status == settlement.StatusCompleted {
		c.JSON(http.StatusOK, gin.H{"status": "completed", "session": session})
		return
	}
	// Deferred domain: the handler is still running in the background.
	c.JSON(http.StatusAccepted, gin.H{"status": "processing", "session": session})
}

// -----------------------------------------------------------------------------
// Checkout directory (default settlement registration)
// -----------------------------------------------------------------------------

// checkoutDirectory is the built-in stand-in for the per-domain
// collaborators: it remembers which payee each checkout session pays
// and records fulfillments in memory. Deployments with real order,
// event or group services replace it via WithDomain.
type checkoutDirectory struct {
	mu           sync.RWMutex
	payees       map[string]string // session ID -> payee
	fulfillments map[string]time.Time
}

func newCheckoutDirectory() *checkoutDirectory {
	return &checkoutDirectory{
		payees:       make(map[string]string),
		fulfillments: make(map[string]time.Time),
	}
}

func (d *checkoutDirectory) setPayee(sessionID, payeeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payees[sessionID] = payeeID
}

func (d *checkoutDirectory) ExtractPayee(ctx context.Context, session *settlement.Session) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	payee, ok := d.payees[session.ID]
	if !ok {
		return "", errors.New("no payee recorded for session")
	}
	return payee, nil
}

func (d *checkoutDirectory) HandlePostPayment(ctx context.Context, session *settlement.Session, esc *escrow.Escrow) error {
	d.mu.Lock()
	if _, done := d.fulfillments[session.ID]; !done {
		d.fulfillments[session.ID] = time.Now()
	}
	d.mu.Unlock()

	logging.L(ctx).Info("fulfillment recorded",
		"session_id", session.ID,
		"domain", string(session.Domain),
		"reference", session.ReferenceKind+"/"+session.ReferenceID,
	)
	return nil
}

// -----------------------------------------------------------------------------
// Shared error helpers
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

func (s *Server) internalError(c *gin.Context, message string, err error) {
	logging.L(c.Request.Context()).Error(message, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}
