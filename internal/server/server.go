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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/balance"
	"github.com/mbd888/swapdesk/internal/buyrequest"
	"github.com/mbd888/swapdesk/internal/config"
	"github.com/mbd888/swapdesk/internal/dispute"
	"github.com/mbd888/swapdesk/internal/health"
	"github.com/mbd888/swapdesk/internal/idgen"
	"github.com/mbd888/swapdesk/internal/imagehost"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/notify"
	"github.com/mbd888/swapdesk/internal/pricefeed"
	"github.com/mbd888/swapdesk/internal/ratelimit"
	"github.com/mbd888/swapdesk/internal/realtime"
	"github.com/mbd888/swapdesk/internal/security"
	"github.com/mbd888/swapdesk/internal/traces"
	"github.com/mbd888/swapdesk/internal/users"
	"github.com/mbd888/swapdesk/internal/validation"
	"github.com/mbd888/swapdesk/internal/walletaddr"
	"github.com/mbd888/swapdesk/internal/withdrawal"
)

// grpcHealthService is the service name reported on the gRPC health endpoint.
const grpcHealthService = "swapdesk"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	users       *users.Service
	authMgr     *auth.Manager
	balances    *balance.Service
	buyRequests *buyrequest.Service
	disputes    *dispute.Service
	withdrawals *withdrawal.Service

	priceFeed   pricefeed.Feed
	uploader    imagehost.Uploader
	dispatcher  *notify.Dispatcher
	realtimeHub *realtime.Hub
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	grpcSrv       *grpc.Server
	grpcHealth    *grpchealth.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.healthReg = health.NewRegistry(3 * time.Second)

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	var (
		userStore       users.Store
		sessionStore    auth.Store
		balanceStore    balance.Store
		requestStore    buyrequest.Store
		disputeStore    dispute.Store
		withdrawalStore withdrawal.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.healthReg.Register("database", true, health.DBChecker(db))
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))

		userStore = users.NewPostgresStore(db)
		sessionStore = auth.NewPostgresStore(db)
		balanceStore = balance.NewPostgresStore(db)
		requestStore = buyrequest.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		withdrawalStore = withdrawal.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")

		requests := buyrequest.NewMemoryStore()
		userStore = users.NewMemoryStore()
		sessionStore = auth.NewMemoryStore()
		balanceStore = balance.NewMemoryStore()
		requestStore = requests
		disputeStore = dispute.NewMemoryStore(requests)
		withdrawalStore = withdrawal.NewMemoryStore()
	}

	// Collaborators
	s.realtimeHub = realtime.NewHub(s.logger)
	events := &hubEmitter{hub: s.realtimeHub}

	s.dispatcher = notify.NewDispatcher(s.buildNotifier(), 10*time.Second)

	feed := pricefeed.NewHTTPFeed(cfg.PriceFeedURL, cfg.PriceCacheTTL)
	s.healthReg.Register("price_feed", false, health.BreakerChecker(feed.Breaker()))
	s.priceFeed = pricefeed.NewFallback(feed, pricefeed.DefaultTable)

	if cfg.ImageHostAPIKey != "" {
		up := imagehost.NewHTTPUploader(cfg.ImageHostURL, cfg.ImageHostAPIKey)
		s.healthReg.Register("image_host", false, health.BreakerChecker(up.Breaker()))
		s.uploader = up
	} else {
		s.logger.Warn("IMAGE_HOST_API_KEY not set, receipt uploads disabled")
	}

	// Services
	s.users = users.NewService(userStore)
	s.authMgr = auth.NewManager(sessionStore, s.users, cfg.SessionTTL)
	s.balances = balance.NewService(balanceStore)

	s.buyRequests = buyrequest.NewService(requestStore).
		WithNotifier(s.dispatcher).
		WithEvents(events)
	if s.uploader != nil {
		s.buyRequests.WithUploader(s.uploader)
	}

	s.disputes = dispute.NewService(disputeStore, requestStore, s.users).
		WithNotifier(s.dispatcher).
		WithEvents(events)

	s.withdrawals = withdrawal.NewService(withdrawalStore, s.balances).
		WithNotifier(s.dispatcher).
		WithEvents(events)

	if err := s.bootstrapAdmin(ctx); err != nil {
		return nil, err
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

// buildNotifier fans out to the log sink plus whichever external sinks are
// configured.
func (s *Server) buildNotifier() notify.Notifier {
	sinks := []notify.Notifier{notify.NewLog(s.logger)}

	if s.cfg.TelegramBotToken != "" && s.cfg.TelegramChatID != "" {
		sinks = append(sinks, notify.NewTelegram(s.cfg.TelegramAPIURL, s.cfg.TelegramBotToken, s.cfg.TelegramChatID))
		s.logger.Info("telegram notifications enabled")
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, notify.NewKafka(s.cfg.KafkaBrokers, s.cfg.KafkaTopic))
		s.logger.Info("kafka notifications enabled", "topic", s.cfg.KafkaTopic)
	}

	return notify.NewFanout(sinks...)
}

// bootstrapAdmin makes sure the configured admin account exists and that
// the configured token logs in as it.
func (s *Server) bootstrapAdmin(ctx context.Context) error {
	if s.cfg.BootstrapAdminToken == "" {
		return nil
	}

	u, err := s.users.EnsureUser(ctx, s.cfg.BootstrapAdminUsername, users.RoleAdmin)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if u.Role != users.RoleAdmin {
		return fmt.Errorf("bootstrap admin: user %q exists with role %q", u.Username, u.Role)
	}
	if _, err := s.authMgr.Import(ctx, u.ID, s.cfg.BootstrapAdminToken); err != nil {
		return fmt.Errorf("bootstrap admin token: %w", err)
	}

	s.logger.Info("bootstrap admin ready", "username", u.Username, "user_id", u.ID)
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		apperr.Respond(c, apperr.ErrInternal)
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORS))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, client) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// Public
	pricefeed.NewHandler(s.priceFeed).RegisterRoutes(v1)
	walletaddr.NewHandler().RegisterRoutes(v1)

	// Any signed-in user
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	authHandler := auth.NewHandler(s.authMgr, s.users)
	authHandler.RegisterProtectedRoutes(protected)

	balanceHandler := balance.NewHandler(s.balances)
	balanceHandler.RegisterProtectedRoutes(protected)

	buyrequest.NewHandler(s.buyRequests).WithPriceFeed(s.priceFeed).RegisterRoutes(protected)
	dispute.NewHandler(s.disputes).RegisterRoutes(protected)
	withdrawal.NewHandler(s.withdrawals).RegisterRoutes(protected)

	protected.GET("/ws", s.realtimeHub.HandleWebSocket)

	// Admin
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole(users.RoleAdmin))

	users.NewHandler(s.users).RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	balanceHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", s.realtimeStatsHandler)
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
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP and gRPC health servers and blocks until a signal,
// ctx cancellation or a listener failure.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 2)

	if s.cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+s.cfg.GRPCPort)
		if err != nil {
			cancel()
			return fmt.Errorf("grpc listen: %w", err)
		}
		s.grpcSrv = grpc.NewServer()
		s.grpcHealth = grpchealth.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.grpcHealth)

		go func() {
			s.logger.Info("starting grpc health server", "port", s.cfg.GRPCPort)
			if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errChan <- err
			}
		}()
		go s.healthReg.SyncGRPC(runCtx, s.grpcHealth, grpcHealthService, 15*time.Second)
	}

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
		s.logger.Info("grpc health server stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush notifications queued by the last requests
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(); err != nil {
			s.logger.Error("notifier close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
