// Package server assembles the escrow engine into one HTTP process: storage,
// gateway driver, background sweep, live feed, middleware, and routes.
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
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/marketplane/escrowd/internal/auth"
	"github.com/marketplane/escrowd/internal/config"
	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/health"
	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/metrics"
	"github.com/marketplane/escrowd/internal/money"
	"github.com/marketplane/escrowd/internal/notify"
	"github.com/marketplane/escrowd/internal/ops"
	"github.com/marketplane/escrowd/internal/ratelimit"
	"github.com/marketplane/escrowd/internal/realtime"
	"github.com/marketplane/escrowd/internal/reconciliation"
	"github.com/marketplane/escrowd/internal/security"
	"github.com/marketplane/escrowd/internal/traces"
	"github.com/marketplane/escrowd/internal/validation"
	"github.com/marketplane/escrowd/internal/webhook"
)

// Build info, overridden via ldflags by the release build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Server is the composed escrow engine.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB // nil on the in-memory stores
	store   escrow.Store
	subs    notify.Store
	gateway gateway.Client

	escrows     *escrow.Service
	reconciler  *webhook.Reconciler
	sweepRunner *reconciliation.Runner
	sweepTimer  *reconciliation.Timer // nil when the sweep is disabled
	hub         *realtime.Hub

	verifier    *auth.Verifier
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customizes a Server before it is wired together.
type Option func(*Server)

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGateway injects a gateway client instead of building one from the
// configured driver. Tests use this to script gateway outcomes.
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) { s.gateway = gw }
}

// New assembles a Server from configuration. Postgres stores are used when
// DATABASE_URL is set, in-memory stores otherwise; the gateway driver is
// chosen by GATEWAY_DRIVER.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	var events webhook.EventStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.subs = notify.NewPostgresStore(db)
		events = webhook.NewPostgresEventStore(db)
		s.logger.Info("storage: postgres", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = escrow.NewMemoryStore()
		s.subs = notify.NewMemoryStore()
		events = webhook.NewMemoryEventStore()
		s.logger.Warn("storage: in-memory, state is lost on restart")
	}

	if s.gateway == nil {
		gw, err := buildGateway(cfg)
		if err != nil {
			return nil, err
		}
		s.gateway = gw
		s.logger.Info("payment gateway", "driver", cfg.GatewayDriver)
	}

	fees, err := money.NewFeeCalculator(cfg.FeeRate())
	if err != nil {
		return nil, fmt.Errorf("platform fee: %w", err)
	}

	s.hub = realtime.NewHub(s.logger)
	dispatcher := notify.NewDispatcher(s.subs)

	s.escrows = escrow.NewService(s.store, s.gateway, fees).
		WithNotifier(notify.NewEmitter(dispatcher)).
		WithFeed(s.hub)

	s.reconciler = webhook.NewReconciler(s.gateway, s.escrows, events)

	s.sweepRunner = reconciliation.NewRunner(s.store, s.escrows)
	s.sweepRunner.SetPendingAge(cfg.ReconcilePendingAge)
	s.sweepRunner.SetBatchSize(cfg.ReconcileBatchSize)
	s.sweepRunner.SetConcurrency(cfg.ReconcileConcurrency)
	if cfg.ReconcileInterval > 0 {
		s.sweepTimer = reconciliation.NewTimer(s.sweepRunner, cfg.ReconcileInterval)
	} else {
		s.logger.Warn("reconciliation sweep disabled, parked payments settle only by webhook or operator action")
	}

	s.verifier = auth.NewVerifier(cfg.AuthJWTSecret)
	if cfg.AuthJWTSecret == "" {
		s.logger.Warn("AUTH_JWT_SECRET is empty, any HS256 token with an empty key will verify")
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("gateway", s.gatewayCheck)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// buildGateway picks the gateway client for the configured driver. Config
// validation has already checked the per-driver credentials.
func buildGateway(cfg *config.Config) (gateway.Client, error) {
	switch cfg.GatewayDriver {
	case "rest":
		return gateway.NewRESTClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayWebhookSecret, cfg.GatewayTimeout), nil
	case "stripe":
		return gateway.NewStripeClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret), nil
	case "memory":
		return gateway.NewMemoryGateway(cfg.GatewayWebhookSecret), nil
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.GatewayDriver)
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(s.recoveryHandler))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// setupRoutes mounts the HTTP surface. The gateway webhook and the live feed
// sit on the bare router: the webhook authenticates by signature and must
// never be throttled away mid-retry, and the feed holds one long-lived
// connection that a per-request limiter would miscount.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/version", s.versionHandler)

	webhook.NewHandler(s.reconciler).RegisterRoutes(s.router)

	s.router.GET("/ws/feed", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Authentication resolves the principal before the limiter keys on it.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(validation.IDParamMiddleware("id", "projectId"))

	escrowHandler := escrow.NewHandler(s.escrows)
	escrowHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	notify.NewHandler(s.subs).RegisterRoutes(protected)

	admin := v1.Group("")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	ops.NewHandler().
		WithEscrowService(s.escrows).
		WithSweepRunner(s.sweepRunner).
		WithPendingLister(s.store).
		RegisterRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "code": "NotFound"})
	})
}

// Run starts the HTTP server and the background loops, then blocks until the
// context is canceled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
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
		s.logger.Info("http server listening",
			"addr", s.httpSrv.Addr, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.sweepTimer != nil {
		go s.sweepTimer.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		s.logger.Info("signal received", "signal", sig.String())
		return s.Shutdown()
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains the server: readiness drops first so load balancers stop
// routing here, then in-flight requests finish, then background loops stop.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers a beat to notice the readiness flip.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err)
		}
	}
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
	}
	s.rateLimiter.Stop()
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// HealthResponse is the aggregate health report.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if s.ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   Version,
		"commit":    Commit,
		"buildTime": BuildTime,
	})
}

// gatewayCheck probes the gateway with a lookup for an order that does not
// exist. An unknown-order reply still proves the gateway answered.
func (s *Server) gatewayCheck(ctx context.Context) health.Status {
	_, err := s.gateway.LookupOrder(ctx, "ord_healthprobe")
	if err == nil || errors.Is(err, gateway.ErrOrderNotFound) {
		return health.Status{Name: "gateway", Healthy: true}
	}
	return health.Status{Name: "gateway", Healthy: false, Detail: err.Error()}
}

func (s *Server) recoveryHandler(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", fmt.Sprintf("%v", recovered), "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": "internal server error",
		"code":  "Internal",
	})
}

// requestIDMiddleware threads a request id through the context so every log
// line and downstream call can be correlated. An inbound X-Request-ID is
// honored, letting callers stitch our logs to theirs.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		log := logging.L(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", append(attrs, "client_ip", c.ClientIP())...)
		case status >= http.StatusBadRequest:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable dsn>"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "*****")
		}
	}
	return u.String()
}
