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

	"github.com/mbd888/escrownow/internal/admin"
	"github.com/mbd888/escrownow/internal/auth"
	"github.com/mbd888/escrownow/internal/circuitbreaker"
	"github.com/mbd888/escrownow/internal/config"
	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/health"
	"github.com/mbd888/escrownow/internal/idgen"
	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/mediation"
	"github.com/mbd888/escrownow/internal/metrics"
	"github.com/mbd888/escrownow/internal/natsbus"
	"github.com/mbd888/escrownow/internal/ratelimit"
	"github.com/mbd888/escrownow/internal/realtime"
	"github.com/mbd888/escrownow/internal/retry"
	"github.com/mbd888/escrownow/internal/security"
	"github.com/mbd888/escrownow/internal/traces"
	"github.com/mbd888/escrownow/internal/validation"
	"github.com/mbd888/escrownow/internal/webhooks"
	"github.com/mbd888/escrownow/migrations"
)

// Version is reported by /health and the admin status endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB
	mongo         *escrow.MongoStore
	storeKind     string
	store         escrow.Store
	authMgr       *auth.Manager
	escrowService *escrow.Service
	analyst       mediation.Analyst
	breaker       *circuitbreaker.Breaker
	coordinator   *mediation.Coordinator
	assistant     *mediation.Assistant
	realtimeHub   *realtime.Hub
	natsPub       *natsbus.Publisher
	webhookSink   *webhooks.Sink
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	stopTracing   func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithAnalyst replaces the dispute analyst (for testing)
func WithAnalyst(a mediation.Analyst) Option {
	return func(s *Server) {
		s.analyst = a
	}
}

// New creates a new server instance
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stop

	authStore, err := s.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	// Identity
	s.authMgr = auth.NewManager(authStore)
	if cfg.JWTSecret != "" {
		s.authMgr.WithTokens(auth.NewTokenIssuer(cfg.JWTSecret, auth.DefaultTokenTTL))
	} else {
		s.logger.Info("bearer tokens disabled (no JWT_SECRET set)")
	}

	// Change notification
	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins...)
	fanout := escrow.NewFanout(escrow.NamedPublisher{Name: "realtime", Publisher: s.realtimeHub})
	if err := s.setupSinks(ctx, fanout); err != nil {
		return nil, err
	}

	// Escrow service
	s.escrowService = escrow.NewService(s.store).
		WithEvents(fanout).
		WithCommission(cfg.CommissionBps).
		WithCurrency(cfg.Currency).
		WithDefaultInspection(cfg.InspectionPeriodDays)

	// Mediation
	if s.analyst == nil {
		if cfg.MediatorEnabled() {
			s.analyst = mediation.NewGeminiAnalyst(cfg.MediatorAPIKey, cfg.MediatorModel, cfg.MediatorURL)
			s.logger.Info("dispute mediator enabled", "model", cfg.MediatorModel)
		} else {
			s.analyst = mediation.Unavailable
			s.logger.Info("dispute mediator disabled (no MEDIATOR_API_KEY set)")
		}
	}
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.coordinator = mediation.NewCoordinator(s.escrowService, s.analyst).
		WithTimeout(cfg.MediationTimeout).
		WithBreaker(s.breaker)
	s.assistant = mediation.NewAssistant(s.analyst, s.breaker, cfg.MediationTimeout)

	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(cfg.RateLimitRPM))

	s.health.Register("store", health.PingChecker("store", s.store, 2*time.Second))
	if _, ok := authStore.(*auth.MemoryStore); !ok {
		s.health.Register("identity", health.PingChecker("identity", s.authMgr, 2*time.Second))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(fanout)

	s.healthy.Store(true)
	return s, nil
}

// setupStorage picks Postgres, then Mongo, then memory, and returns the
// matching identity store.
func (s *Server) setupStorage(ctx context.Context) (auth.Store, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		err = s.startupPolicy("postgres").Do(ctx, func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.storeKind = "postgres"
		s.logger.Info("using postgres storage", "dsn", maskDSN(s.cfg.DatabaseURL))
		return auth.NewPostgresStore(db), nil

	case s.cfg.MongoURL != "":
		var store *escrow.MongoStore
		err := s.startupPolicy("mongo").Do(ctx, func(ctx context.Context) error {
			var err error
			store, err = escrow.ConnectMongo(ctx, s.cfg.MongoURL, s.cfg.MongoDatabase)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		s.mongo = store
		s.store = store
		s.storeKind = "mongo"
		s.logger.Info("using mongo storage", "database", s.cfg.MongoDatabase)
		s.logger.Warn("user accounts are kept in memory with mongo storage; API keys reset on restart")
		return auth.NewMemoryStore(), nil

	default:
		s.store = escrow.NewMemoryStore()
		s.storeKind = "memory"
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return auth.NewMemoryStore(), nil
	}
}

// setupSinks attaches the optional NATS and webhook publishers.
func (s *Server) setupSinks(ctx context.Context, fanout *escrow.Fanout) error {
	if s.cfg.NATSURL != "" {
		pub, err := natsbus.Connect(ctx, natsbus.Config{
			Address: s.cfg.NATSURL,
			Name:    s.cfg.NATSClientName,
			Token:   s.cfg.NATSToken,
		}, s.logger)
		if err != nil {
			return err
		}
		s.natsPub = pub
		fanout.Add("nats", pub)
		s.health.Register("nats", health.PingChecker("nats", pub, time.Second))
	}

	if s.cfg.WebhookURL != "" {
		if err := security.ValidateWebhookURL(s.cfg.WebhookURL, s.cfg.IsDevelopment()); err != nil {
			return fmt.Errorf("WEBHOOK_URL: %w", err)
		}
		events := make([]escrow.EventType, 0, len(s.cfg.WebhookEvents))
		for _, e := range s.cfg.WebhookEvents {
			events = append(events, escrow.EventType(e))
		}
		s.webhookSink = webhooks.New(webhooks.Config{
			URL:    s.cfg.WebhookURL,
			Secret: s.cfg.WebhookSecret,
			Events: events,
		}, s.logger)
		fanout.Add("webhook", s.webhookSink)
		s.logger.Info("webhook delivery enabled", "events", len(events))
	}
	return nil
}

func (s *Server) startupPolicy(what string) retry.Policy {
	p := retry.Startup
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn(what+" not reachable, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	return p
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(fanout *escrow.Fanout) {
	r := s.router

	// Ops
	r.GET("/health", s.healthHandler)
	r.GET("/health/live", s.livenessHandler)
	r.GET("/health/ready", s.readinessHandler)
	r.GET("/metrics", metrics.Handler())

	authn := auth.Middleware(s.authMgr)
	limit := s.rateLimiter.Middleware()

	// Live updates; the hub rejects unauthenticated upgrades itself
	r.GET("/ws", authn, limit, s.realtimeHub.HandleWebSocket)

	v1 := r.Group("/v1", authn, limit)

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterProtectedRoutes(protected)

	mediation.NewHandler(s.coordinator, s.assistant).RegisterProtectedRoutes(protected)

	adminGroup := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler(admin.Info{
		Version:         Version,
		Env:             s.cfg.Env,
		Store:           s.storeKind,
		Currency:        s.cfg.Currency,
		CommissionRate:  s.cfg.CommissionRate,
		MediatorEnabled: s.cfg.MediatorEnabled(),
		Sinks:           fanout.Names(),
	}, s.health, s.breaker, []string{mediation.BreakerKey}, s.realtimeHub).RegisterRoutes(adminGroup)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if ok, checks := s.health.CheckAll(ctx); !ok {
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
	// Cancellable context for background goroutines so Shutdown can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "store", s.storeKind, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.rateLimiter.Run(ctx)
	if s.webhookSink != nil {
		s.webhookSink.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}

	// In-flight analyses still publish their result, so wait before
	// stopping the hub and sinks.
	if err := s.coordinator.Shutdown(ctx); err != nil {
		s.logger.Warn("mediation shutdown incomplete", "error", err)
	} else {
		s.logger.Info("mediation stopped")
	}

	// Stops the hub, rate limiter, webhook worker and stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.webhookSink != nil {
		s.webhookSink.Wait()
	}

	if s.natsPub != nil {
		if err := s.natsPub.Close(); err != nil {
			s.logger.Error("nats close error", "error", err)
		} else {
			s.logger.Info("nats connection drained")
		}
	}

	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
