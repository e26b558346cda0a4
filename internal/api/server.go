package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/0x0shephard/t4-bot/internal/auth"
	"github.com/0x0shephard/t4-bot/internal/config"
	"github.com/0x0shephard/t4-bot/internal/database"
	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/logging"
	"github.com/0x0shephard/t4-bot/internal/middleware"
	"github.com/0x0shephard/t4-bot/internal/monitoring"
	"github.com/0x0shephard/t4-bot/internal/scheduler"
	"github.com/0x0shephard/t4-bot/internal/stability"
)

// DatabaseHealth is the part of *database.DB the health endpoint reads
type DatabaseHealth interface {
	GetHealthStatus(ctx context.Context) map[string]interface{}
	MigrationStatus(ctx context.Context) (*database.MigrationStatus, error)
}

var _ DatabaseHealth = (*database.DB)(nil)

// Dependencies are the services the API server is built on. DB and Scheduler are optional.
type Dependencies struct {
	Service   *ledger.Service
	DB        DatabaseHealth
	Metrics   *monitoring.Metrics
	Scheduler *scheduler.Scheduler
	Logger    *logging.Logger
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	logger     *logging.Logger

	service   *ledger.Service
	db        DatabaseHealth
	metrics   *monitoring.Metrics
	scheduler *scheduler.Scheduler
	resolver  *auth.Resolver
	limiter   *stability.RateLimiter
	started   time.Time
}

// Handlers contains all API handlers
type Handlers struct {
	Index     *IndexHandler
	Providers *ProviderHandler
	Views     *ViewHandler
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Service == nil {
		return nil, fmt.Errorf("api server requires a ledger service")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics()
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:    cfg,
		router:    gin.New(),
		logger:    deps.Logger.WithField("component", "api"),
		service:   deps.Service,
		db:        deps.DB,
		metrics:   deps.Metrics,
		scheduler: deps.Scheduler,
		resolver:  auth.NewResolver(cfg.Auth.JWTSecret, cfg.Auth.AnonKeyRequired),
		started:   time.Now(),
		handlers: &Handlers{
			Index:     NewIndexHandler(deps.Service),
			Providers: NewProviderHandler(deps.Service),
			Views:     NewViewHandler(deps.Service),
		},
	}
	if cfg.RateLimit.Enabled {
		server.limiter = stability.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	server.setupRoutes()
	return server, nil
}

// Router exposes the gin engine, mostly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.ErrorHandler(s.logger))
	s.router.Use(middleware.HandleError(s.logger))
	s.router.Use(corsMiddleware(s.config.CORS))
	s.router.Use(s.metrics.MetricsMiddleware())

	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.metrics.Handler()))
	}
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}
	v1.Use(s.resolver.Middleware())
	{
		index := v1.Group("/index")
		{
			index.GET("", s.handlers.Index.List)
			index.POST("", s.handlers.Index.Create)
			index.GET("/latest", s.handlers.Index.Latest)
			index.GET("/:id", s.handlers.Index.Get)
			index.DELETE("/:id", s.handlers.Index.Delete)
			index.GET("/:id/providers", s.handlers.Index.Providers)
			index.GET("/:id/audit", s.handlers.Index.Audit)
		}

		providers := v1.Group("/providers")
		{
			providers.GET("", s.handlers.Providers.List)
			providers.POST("", s.handlers.Providers.Create)
			providers.PUT("/:id", s.handlers.Providers.Update)
			providers.DELETE("/:id", s.handlers.Providers.Delete)
		}

		views := v1.Group("/views")
		{
			views.GET("/latest-prices", s.handlers.Views.LatestPrices)
			views.GET("/price-history", s.handlers.Views.PriceHistory)
		}
	}
}

// health reports the store, the schema version and the scheduled tasks
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	services := gin.H{}

	if err := s.service.Ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		services["store"] = "error"
	} else {
		services["store"] = "ok"
	}

	if s.db != nil {
		services["database"] = s.db.GetHealthStatus(ctx)
		migration, err := s.db.MigrationStatus(ctx)
		switch {
		case err != nil:
			status = "degraded"
			services["migrations"] = gin.H{"error": err.Error()}
		case !migration.Applied || migration.Dirty:
			status = "degraded"
			services["migrations"] = migration
		default:
			services["migrations"] = migration
		}
	} else {
		services["database"] = "unavailable"
	}

	body := gin.H{
		"status":   status,
		"time":     time.Now().UTC(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"version":  s.config.App.Version,
		"services": services,
	}
	if s.scheduler != nil {
		body["tasks"] = s.scheduler.ListTasks()
	}
	c.JSON(code, body)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.Host, fmt.Sprint(s.config.Server.Port))
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.logger.WithField("addr", addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server. Closing the database is left to the owner of the pool.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.httpServer == nil {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// corsMiddleware adds CORS headers. An empty list or "*" allows every origin.
func corsMiddleware(corsConfig config.CORSConfig) gin.HandlerFunc {
	allowAll := len(corsConfig.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(corsConfig.AllowedOrigins))
	for _, o := range corsConfig.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, apikey, "+middleware.RequestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
