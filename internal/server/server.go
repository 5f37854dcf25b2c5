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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/dealbroker/internal/arbiter"
	"github.com/mbd888/dealbroker/internal/auth"
	"github.com/mbd888/dealbroker/internal/catalog"
	"github.com/mbd888/dealbroker/internal/circuitbreaker"
	"github.com/mbd888/dealbroker/internal/config"
	"github.com/mbd888/dealbroker/internal/escrow"
	"github.com/mbd888/dealbroker/internal/health"
	"github.com/mbd888/dealbroker/internal/logging"
	"github.com/mbd888/dealbroker/internal/metrics"
	"github.com/mbd888/dealbroker/internal/negotiation"
	"github.com/mbd888/dealbroker/internal/notify"
	"github.com/mbd888/dealbroker/internal/payments"
	"github.com/mbd888/dealbroker/internal/ratelimit"
	"github.com/mbd888/dealbroker/internal/security"
	"github.com/mbd888/dealbroker/internal/validation"
	"github.com/mbd888/dealbroker/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg              *config.Config
	db               *sql.DB // nil if using in-memory
	redis            *redis.Client
	catalog          catalog.Catalog
	gateway          payments.Gateway
	verifier         *auth.Verifier
	negotiations     *negotiation.Service
	negotiationTimer *negotiation.Timer
	escrowService    *escrow.Service
	arbiter          *arbiter.Arbiter
	dispatchers      []*notify.Dispatcher
	health           *health.Registry
	rateLimiter      *ratelimit.Limiter
	router           *gin.Engine
	httpSrv          *http.Server
	logger           *slog.Logger
	drainDelay       time.Duration
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run

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

// WithCatalog sets the catalog instead of dialing CATALOG_URL (for testing and demo mode)
func WithCatalog(c catalog.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithPaymentGateway sets the payment gateway instead of Stripe
func WithPaymentGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before closing
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set catalog/gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		negotiationStore negotiation.Store
		escrowStore      escrow.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLife)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		negotiationStore = negotiation.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		s.health.Register("postgres", db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		negotiationStore = negotiation.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	notifier, err := s.setupNotifications(ctx)
	if err != nil {
		return nil, err
	}

	// Catalog collaborator
	if s.catalog == nil && cfg.CatalogURL != "" {
		breaker := circuitbreaker.New(cfg.CatalogBreakerThreshold, cfg.CatalogBreakerCoolDown)
		s.catalog = catalog.NewClient(cfg.CatalogURL).WithBreaker(breaker)
		s.logger.Info("catalog enabled", "url", cfg.CatalogURL, "breaker_threshold", cfg.CatalogBreakerThreshold)
	}

	// Payments
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, cfg.PaymentCurrency, nil)
			s.logger.Info("stripe payments enabled", "currency", cfg.PaymentCurrency)
		} else {
			s.gateway = payments.NewNop()
			s.logger.Warn("no STRIPE_SECRET_KEY set, escrow holds are simulated")
		}
	}

	// Escrow and arbitration
	s.escrowService = escrow.NewService(escrowStore, s.gateway).
		WithNotifier(notifier).
		WithLogger(s.logger)
	s.arbiter = arbiter.New(s.escrowService, cfg.ArbiterIDs, s.logger)

	// Negotiations
	s.negotiations = negotiation.NewService(negotiationStore).
		WithCounterLimit(cfg.MaxCounterOffers).
		WithStaleAfter(cfg.NegotiationStaleAfter).
		WithNotifier(notifier).
		WithAcceptanceListener(&acceptanceBridge{escrow: s.escrowService, catalog: s.catalog, logger: s.logger}).
		WithLogger(s.logger)
	if s.catalog != nil {
		s.negotiations.WithListings(catalog.NewLookup(s.catalog))
	}
	if cfg.NegotiationStaleAfter > 0 {
		s.negotiationTimer = negotiation.NewTimer(s.negotiations, cfg.StaleCheckInterval, s.logger)
		s.logger.Info("stale negotiation expiry enabled", "after", cfg.NegotiationStaleAfter)
	}

	// Identity
	if cfg.JWTSecret != "" {
		s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		s.logger.Info("API authentication enabled")
	} else {
		s.logger.Warn("no AUTH_JWT_SECRET set, only development actor headers are accepted")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupNotifications builds the fan-out over redis and webhook dispatchers.
func (s *Server) setupNotifications(ctx context.Context) (notify.Publisher, error) {
	var sinks notify.Fanout

	if s.cfg.RedisURL != "" {
		client, err := notify.DialRedis(ctx, s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.health.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		d := notify.NewDispatcher("redis", notify.NewRedisPublisher(client, "dealbroker"), 256, s.logger)
		s.dispatchers = append(s.dispatchers, d)
		sinks = append(sinks, d)
		s.logger.Info("redis notifications enabled")
	}

	if len(s.cfg.WebhookURLs) > 0 {
		d := notify.NewDispatcher("webhooks", webhooks.NewPublisher(s.cfg.WebhookURLs, s.cfg.WebhookSecret), 256, s.logger)
		s.dispatchers = append(s.dispatchers, d)
		sinks = append(sinks, d)
		s.logger.Info("webhook notifications enabled", "endpoints", len(s.cfg.WebhookURLs))
	}

	if len(sinks) == 0 {
		return notify.Nop{}, nil
	}
	return sinks, nil
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(timeoutMiddleware(s.cfg.RequestTimeout))
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
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

// timeoutMiddleware bounds the request context. Store and collaborator calls
// observe it; the handler still writes its own response.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier, s.cfg.IsDevelopment()), auth.RequireAuth())

	negotiation.NewHandler(s.negotiations).RegisterProtectedRoutes(v1)
	escrow.NewHandler(s.escrowService).
		WithDeals(&dealSource{negotiations: s.negotiations}).
		RegisterProtectedRoutes(v1)
	arbiter.NewHandler(s.arbiter).RegisterProtectedRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.cfg.Version,
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	for _, d := range s.dispatchers {
		d.Start()
	}

	if s.negotiationTimer != nil {
		go s.negotiationTimer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.logger.Info("negotiation timer stopped")
	}

	// Flush queued notifications after the last request has finished.
	for _, d := range s.dispatchers {
		d.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
