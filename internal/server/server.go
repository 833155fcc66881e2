// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/unimall/settlecore/internal/config"
	"github.com/unimall/settlecore/internal/escrow"
	"github.com/unimall/settlecore/internal/history"
	"github.com/unimall/settlecore/internal/ledger"
	"github.com/unimall/settlecore/internal/logging"
	"github.com/unimall/settlecore/internal/metrics"
	"github.com/unimall/settlecore/internal/notify"
	"github.com/unimall/settlecore/internal/settlement"
	"github.com/unimall/settlecore/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	journal    *ledger.Journal
	wallets    *wallet.Service
	escrows    *escrow.Manager
	recorder   *history.Recorder
	dispatcher *settlement.Dispatcher
	sessions   sessionStore
	checkout   *checkoutDirectory

	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	// domains registered through options; defaults fill the rest
	registered map[settlement.Domain]settlement.Registration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// sessionStore is the session surface the HTTP handlers need: what the
// dispatcher reads and writes, plus creation at checkout time.
type sessionStore interface {
	settlement.SessionStore
	Create(ctx context.Context, session *settlement.Session) error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDomain installs a settlement registration for a domain, replacing
// the built-in payee-directory registration.
func WithDomain(domain settlement.Domain, reg settlement.Registration) Option {
	return func(s *Server) {
		s.registered[domain] = reg
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		registered: make(map[settlement.Domain]settlement.Registration),
	}

	// Apply options first (may set logger or domain registrations)
	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		walletStore  wallet.Store
		historyStore history.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		historyStore = history.NewPostgresStore(db)
		s.sessions = settlement.NewPostgresSessionStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		go metrics.StartDBStatsCollector(context.Background(), db, 15*time.Second)
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		historyStore = history.NewMemoryStore()
		s.sessions = settlement.NewMemorySessionStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	notifier := notify.NewLogNotifier()

	s.journal = ledger.NewJournal(ledgerStore)
	s.recorder = history.NewRecorder(historyStore)
	s.wallets = wallet.NewService(walletStore, s.journal, s.recorder, cfg.DefaultCurrency).
		WithNotifier(notifier)
	s.escrows = escrow.NewManager(escrowStore, s.journal).
		WithNotifier(&escrowNotifier{notifier})

	s.checkout = newCheckoutDirectory()
	s.dispatcher = settlement.NewDispatcher(s.sessions, s.escrows,
		settlement.WithRetryPolicy(cfg.SettlementAttempts, cfg.SettlementBaseDelay),
		settlement.WithHistory(s.recorder),
	)

	s.registerDomains()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// registerDomains wires option-supplied registrations plus the built-in
// payee-directory registration for any domain an option did not claim.
// The directory handler records the fulfillment so the flow is
// observable end to end; real deployments replace it per domain via
// WithDomain.
func (s *Server) registerDomains() {
	defaults := map[settlement.Domain]settlement.Registration{
		settlement.DomainProduct: {Extractor: s.checkout, Handler: s.checkout},
		settlement.DomainEvent:   {Extractor: s.checkout, Handler: s.checkout},
		settlement.DomainGroupPurchase: {
			Extractor: s.checkout,
			Handler:   s.checkout,
			Deferred:  true,
		},
	}
	for domain, reg := range defaults {
		if _, ok := s.registered[domain]; !ok {
			s.dispatcher.Register(domain, reg)
		}
	}
	for domain, reg := range s.registered {
		s.dispatcher.Register(domain, reg)
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// escrowNotifier fans an escrow resolution out to both parties.
type escrowNotifier struct {
	n notify.Notifier
}

func (e *escrowNotifier) EscrowResolved(ctx context.Context, esc *escrow.Escrow) {
	kind := "escrow_" + string(esc.Status)
	e.n.Notify(ctx, notify.Event{
		UserID: esc.BuyerID,
		Kind:   kind,
		Title:  fmt.Sprintf("Escrow %s %s", esc.Number, esc.Status),
	})
	e.n.Notify(ctx, notify.Event{
		UserID: esc.PayeeID,
		Kind:   kind,
		Title:  fmt.Sprintf("Escrow %s %s", esc.Number, esc.Status),
	})
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// Run starts the HTTP server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"currency", s.cfg.DefaultCurrency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain deferred fulfillments before dropping the database pool:
	// escrowed money must never be left between states by a restart.
	s.dispatcher.Wait()
	s.logger.Info("deferred settlements drained")

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
