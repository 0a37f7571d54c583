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

	"github.com/globalink/walletcore/internal/billpay"
	"github.com/globalink/walletcore/internal/circuitbreaker"
	"github.com/globalink/walletcore/internal/config"
	"github.com/globalink/walletcore/internal/deposits"
	"github.com/globalink/walletcore/internal/escrow"
	"github.com/globalink/walletcore/internal/health"
	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/logging"
	"github.com/globalink/walletcore/internal/metrics"
	"github.com/globalink/walletcore/internal/payouts"
	"github.com/globalink/walletcore/internal/ratelimit"
	"github.com/globalink/walletcore/internal/security"
	"github.com/globalink/walletcore/internal/validation"
	"github.com/globalink/walletcore/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	core     *ledger.Core
	wallets  *wallet.Service
	escrows  *escrow.Service
	deposits *deposits.Service
	payouts  *payouts.Service
	billpay  *billpay.Service

	gateway  deposits.Gateway
	provider payouts.Provider
	accounts wallet.AccountProvisioner
	biller   billpay.Biller

	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	cancelRun   context.CancelFunc

	// Health state
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

// WithGateway sets a custom collections gateway (for testing)
func WithGateway(g deposits.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithProvider sets a custom disbursement provider (for testing)
func WithProvider(p payouts.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithAccountProvisioner sets a custom virtual account provisioner (for testing)
func WithAccountProvisioner(a wallet.AccountProvisioner) Option {
	return func(s *Server) {
		s.accounts = a
	}
}

// WithBiller sets a custom bill-payment provider (for testing)
func WithBiller(b billpay.Biller) Option {
	return func(s *Server) {
		s.biller = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger or external clients)
	for _, opt := range opts {
		opt(s)
	}

	var (
		ledgerStore ledger.Store
		walletStore wallet.Store
		escrowStore escrow.Store
		payoutStore payouts.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		payoutStore = payouts.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		memLedger := ledger.NewMemoryStore()
		ledgerStore = memLedger
		walletStore = wallet.NewMemoryStore(memLedger)
		escrowStore = escrow.NewMemoryStore(memLedger)
		payoutStore = payouts.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data will not survive restarts")
	}

	s.core = ledger.NewCore(ledgerStore, s.logger)

	// External clients, unless injected by options.
	if s.gateway == nil {
		s.gateway = deposits.NewGatewayClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey)
	}
	if s.provider == nil && cfg.ProviderBaseURL != "" {
		client := payouts.NewProviderClient(payouts.ProviderConfig{
			BaseURL:       cfg.ProviderBaseURL,
			APIKey:        cfg.ProviderAPIKey,
			SecretKey:     cfg.ProviderSecretKey,
			ContractCode:  cfg.ProviderContractCode,
			SourceAccount: cfg.ProviderSourceAccount,
		})
		s.provider = client
		if s.accounts == nil {
			s.accounts = client
		}
	}
	if s.biller == nil && cfg.BillerBaseURL != "" {
		s.biller = billpay.NewClient(cfg.BillerBaseURL, cfg.BillerAPIKey, cfg.BillerSecretKey)
	}

	s.wallets = wallet.NewService(walletStore, s.accounts, cfg.Currency, s.logger)

	policy := escrow.Policy{
		CommissionRate:   cfg.CommissionRate,
		CommissionCap:    cfg.CommissionCap,
		PlatformWalletID: cfg.PlatformWalletID,
	}
	s.escrows = escrow.NewService(escrowStore, policy, s.logger)

	s.deposits = deposits.NewService(s.wallets, s.core, s.gateway, cfg.GatewaySecretKey, s.logger)

	if s.provider != nil {
		breaker := circuitbreaker.New(5, 30*time.Second)
		s.payouts = payouts.NewService(payoutStore, s.wallets, s.core, s.provider,
			breaker, cfg.MinWithdrawal, s.logger)
	}
	if s.biller != nil {
		s.billpay = billpay.NewService(s.wallets, s.core, s.biller, s.logger)
	}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

	depositHandler := deposits.NewHandler(s.deposits, s.logger)

	// Webhook sits outside the API group; the gateway authenticates
	// with its signature, not like an API client.
	s.router.POST("/webhooks/gateway", depositHandler.Webhook)

	api := s.router.Group("/api/v1")
	wallet.NewHandler(s.wallets, s.core, s.logger).RegisterRoutes(api)
	escrow.NewHandler(s.escrows, s.logger).RegisterRoutes(api)
	depositHandler.RegisterRoutes(api)
	if s.payouts != nil {
		payouts.NewHandler(s.payouts, s.logger).RegisterRoutes(api)
	}
	if s.billpay != nil {
		billpay.NewHandler(s.billpay, s.logger).RegisterRoutes(api)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Sample DB pool stats into Prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
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
