// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/config"
	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/health"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/logging"
	"github.com/mbd888/marketledger/internal/metrics"
	"github.com/mbd888/marketledger/internal/notify"
	"github.com/mbd888/marketledger/internal/ratelimit"
	"github.com/mbd888/marketledger/internal/realtime"
	"github.com/mbd888/marketledger/internal/reconciliation"
	"github.com/mbd888/marketledger/internal/security"
	"github.com/mbd888/marketledger/internal/store"
	"github.com/mbd888/marketledger/internal/validation"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /health.
const Version = "0.1.0"

const (
	notifyWorkers      = 4
	dbStatsInterval    = 15 * time.Second
	defaultDrainDelay  = 5 * time.Second
	shutdownTimeout    = 30 * time.Second
	outboundDNSTimeout = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Backend is the persistence the server wires into the services.
// *store.MemoryStore and *store.PostgresStore both satisfy it.
type Backend interface {
	Ledger() ledger.Store
	Disputes() disputes.Store
	ListAccounts(ctx context.Context) ([]*ledger.Account, error)
	Snapshot(ctx context.Context) (*ledger.Snapshot, error)
	AddPaymentMethod(ctx context.Context, pm *ledger.PaymentMethod) error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	backend      Backend
	authMgr      *auth.Manager
	ledger       *ledger.Service
	disputes     *disputes.Service
	recon        *reconciliation.Service
	reconTimer   *reconciliation.Timer
	releaseTimer *disputes.ReleaseTimer
	emitter      *notify.Emitter
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend supplies the persistence layer instead of building one from
// DATABASE_URL.
func WithBackend(b Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a server from cfg.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.health = health.NewRegistry()

	if s.backend == nil {
		if err := s.openBackend(); err != nil {
			return nil, err
		}
	}

	sinks := []notify.Sink{notify.NewLogSink(s.logger)}
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			ctx, cancel := context.WithTimeout(context.Background(), outboundDNSTimeout)
			err := security.CheckOutboundURL(ctx, cfg.NotifyWebhookURL, net.DefaultResolver)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
		s.logger.Info("notification webhook enabled")
	}
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks = append(sinks, s.realtimeHub)
	s.emitter = notify.NewEmitter(s.logger, notify.DefaultQueueSize, sinks...)

	s.ledger = ledger.NewService(s.backend.Ledger(), s.logger)
	s.disputes = disputes.NewService(s.backend.Disputes(), s.logger).
		WithNotifier(s.emitter).
		WithReleaseWindow(cfg.ReleaseWindow)
	if cfg.ReleaseCheckInterval > 0 {
		s.releaseTimer = disputes.NewReleaseTimer(s.disputes, cfg.ReleaseCheckInterval, s.logger)
	}
	s.recon = reconciliation.NewService(s.backend, s.ledger, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconcileInterval, s.logger)
	}
	s.health.Register("reconciliation", s.reconciliationCheck)

	s.authMgr = auth.NewManager(cfg.JWTSecret)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openBackend connects to Postgres when DATABASE_URL is set and falls back
// to the in-memory store otherwise.
func (s *Server) openBackend() error {
	cfg := s.cfg
	if cfg.DatabaseURL == "" {
		s.backend = store.NewMemoryStore().WithLockTimeout(cfg.LockTimeout)
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		return nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	s.backend = store.NewPostgresStore(db).WithLockTimeout(cfg.LockTimeout)
	s.health.RegisterPing("database", db.PingContext)
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	return nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity must be known before rate limiting so users get their own bucket.
	s.router.Use(auth.Middleware(s.authMgr))
	if s.cfg.RateLimitRPS > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for per-user notifications
	s.router.GET("/ws", auth.RequireAuth(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.UserID(c))
	})

	v1 := s.router.Group("/v1")

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	ledger.NewHandler(s.ledger, s.backend).RegisterProtectedRoutes(protected)

	disputeHandler := disputes.NewHandler(s.disputes)
	disputeHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	disputeHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.recon).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// reconciliationCheck reports the outcome of the last reconciliation run.
// Before the first run there is nothing to report and the check passes.
func (s *Server) reconciliationCheck(context.Context) health.Status {
	report := s.recon.LastReport()
	if report == nil || report.Healthy() {
		return health.Status{Name: "reconciliation", Healthy: true}
	}
	return health.Status{
		Name:    "reconciliation",
		Healthy: false,
		Detail:  fmt.Sprintf("%d account mismatches, conservation diff %s", len(report.Mismatches), conservationDiff(report)),
	}
}

func conservationDiff(r *reconciliation.Report) string {
	if r.Conservation == nil {
		return "unknown"
	}
	return r.Conservation.Diff
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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, a shutdown signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "postgres", s.db != nil)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	s.emitter.Start(notifyWorkers)

	if s.reconTimer != nil {
		g.Go(func() error {
			s.reconTimer.Start(gctx)
			return nil
		})
	}

	if s.releaseTimer != nil {
		g.Go(func() error {
			s.releaseTimer.Start(gctx)
			return nil
		})
	}

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, dbStatsInterval)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigCtx, stop := signal.NotifyContext(gctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.releaseTimer != nil {
		s.releaseTimer.Stop()
		s.logger.Info("release timer stopped")
	}

	// Flush queued notifications while the hub is still running
	s.emitter.Close()

	// Stop the hub, timers and collectors
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the token manager, used by tooling that mints tokens.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}
