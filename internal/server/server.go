// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/pochipay/pochi/internal/bus"
	"github.com/pochipay/pochi/internal/clickpesa"
	"github.com/pochipay/pochi/internal/config"
	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/escrow"
	"github.com/pochipay/pochi/internal/idgen"
	"github.com/pochipay/pochi/internal/ledger"
	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/metrics"
	"github.com/pochipay/pochi/internal/payments"
	"github.com/pochipay/pochi/internal/payouts"
	"github.com/pochipay/pochi/internal/reconciler"
	"github.com/pochipay/pochi/internal/settlement"
	"github.com/pochipay/pochi/internal/traces"
	"github.com/pochipay/pochi/internal/webhook"
)

// Gateway is the full ClickPesa surface the server wires in. Satisfied
// by *clickpesa.Client; fakes implement it in tests.
type Gateway interface {
	payments.Gateway
	payouts.Gateway
	AccountBalance(ctx context.Context) (*clickpesa.Balance, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	gateway Gateway

	ledger     *ledger.Service
	escrow     *escrow.Service
	payments   *payments.Service
	payouts    *payouts.Service
	settlement *settlement.Service
	reconciler *reconciler.Service

	reconcileTimer *reconciler.Timer

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway injects a gateway client (for testing)
func WithGateway(g Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		txBoundary   database.DB
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		paymentStore payments.Store
		payoutStore  payouts.Store
		tokenStore   clickpesa.TokenStore
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

		txBoundary = database.NewPostgres(db)
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		payoutStore = payouts.NewPostgresStore(db)
		tokenStore = clickpesa.NewPostgresTokenStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := database.NewMemory()
		lm, em, pm, pom := ledger.NewMemoryStore(), escrow.NewMemoryStore(),
			payments.NewMemoryStore(), payouts.NewMemoryStore()
		mem.Register(lm)
		mem.Register(em)
		mem.Register(pm)
		mem.Register(pom)

		txBoundary = mem
		ledgerStore, escrowStore, paymentStore, payoutStore = lm, em, pm, pom
		tokenStore = clickpesa.NewMemoryTokenStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.gateway == nil {
		s.gateway = clickpesa.New(clickpesa.Config{
			BaseURL:        cfg.GatewayBaseURL,
			ClientID:       cfg.GatewayClientID,
			APIKey:         cfg.GatewayAPIKey,
			ChecksumSecret: cfg.ChecksumSecret,
			Timeout:        cfg.GatewayTimeout,
			MaxRetries:     cfg.GatewayRetries,
			MinAmount:      cfg.MinAmount,
			MaxAmount:      cfg.MaxAmount,
		}, clickpesa.NewTokenCache(tokenStore), s.logger)
	}

	s.ledger = ledger.New(ledgerStore, txBoundary, cfg.DefaultCurrency)
	s.escrow = escrow.New(escrowStore, txBoundary, s.ledger, escrow.NewResolverRegistry())
	s.payments = payments.New(paymentStore, txBoundary, s.gateway, bus.New[payments.StatusChanged]())
	s.payouts = payouts.New(payoutStore, txBoundary, s.gateway, bus.New[payouts.StatusChanged]())

	s.settlement = settlement.New(s.ledger, s.escrow, s.payments, s.payouts, settlement.Config{
		FeePercent:       cfg.EscrowFeePercent,
		AutoReleaseAfter: cfg.EscrowAutoRelease,
		Currency:         cfg.DefaultCurrency,
	})
	s.settlement.Register()

	s.reconciler = reconciler.New(s.payments, s.payouts, s.escrow, cfg.ReconcileBatchSize)
	s.reconcileTimer = reconciler.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
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

func (s *Server) setupMiddleware() {
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

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/api/v1")

	payments.NewHandler(s.payments, s.logger).RegisterRoutes(v1)
	payouts.NewHandler(s.payouts, s.logger).RegisterRoutes(v1)
	escrow.NewHandler(s.escrow, s.logger).RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(v1)

	// Mobile money wallet flows: collect in, disburse out.
	v1.POST("/wallets/:accountId/topups", s.topupHandler)
	v1.POST("/wallets/:accountId/cashouts", s.cashoutHandler)

	v1.GET("/gateway/balance", s.gatewayBalanceHandler)

	webhook.New(s.payments, s.payouts, s.cfg.ChecksumSecret,
		s.cfg.WebhookAllowedIPs, s.logger).
		RegisterRoutes(s.router.Group("/webhooks"))

	// Manual sweep trigger for operators; the timer covers steady state.
	s.router.POST("/internal/reconcile", s.reconcileHandler)
}

type mobileMoneyRequest struct {
	Amount      string `json:"amount" binding:"required"`
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

// topupHandler handles POST /api/v1/wallets/:accountId/topups
func (s *Server) topupHandler(c *gin.Context) {
	var req mobileMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := s.settlement.InitiateDeposit(c.Request.Context(),
		c.Param("accountId"), req.Amount, req.PhoneNumber)
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// cashoutHandler handles POST /api/v1/wallets/:accountId/cashouts
func (s *Server) cashoutHandler(c *gin.Context) {
	var req mobileMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := s.settlement.InitiateWithdrawal(c.Request.Context(),
		c.Param("accountId"), req.Amount, req.PhoneNumber)
	if err != nil {
		s.writeFlowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) writeFlowError(c *gin.Context, err error) {
	var verr *clickpesa.ValidationError
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
	case errors.Is(err, payments.ErrNoViableMethod):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_viable_method"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error()})
	default:
		logging.L(c.Request.Context()).Error("mobile money flow failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error"})
	}
}

// gatewayBalanceHandler handles GET /api/v1/gateway/balance
func (s *Server) gatewayBalanceHandler(c *gin.Context) {
	balance, err := s.gateway.AccountBalance(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("gateway balance query failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error"})
		return
	}
	c.JSON(http.StatusOK, balance)
}

// reconcileHandler handles POST /internal/reconcile
func (s *Server) reconcileHandler(c *gin.Context) {
	res, err := s.reconciler.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

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
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconcile timer stopped")

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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

// Reconciler exposes the reconciliation service for one-shot runs.
func (s *Server) Reconciler() *reconciler.Service {
	return s.reconciler
}
