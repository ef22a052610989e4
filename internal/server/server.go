// Package server assembles the HTTP API around the execution engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/victoralfred/execution-engine/internal/config"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
	"github.com/victoralfred/execution-engine/internal/handlers"
	"github.com/victoralfred/execution-engine/internal/jobs"
	"github.com/victoralfred/execution-engine/internal/logging"
	"github.com/victoralfred/execution-engine/internal/metrics"
	"github.com/victoralfred/execution-engine/internal/middleware"
	"go.uber.org/zap"
)

// Dependencies holds what the routes are served from. Engine is required;
// a nil Metrics, Limiter or Jobs leaves the matching routes and middleware
// out.
type Dependencies struct {
	Engine      *engine.Engine
	Metrics     *metrics.Metrics
	Limiter     middleware.Limiter
	Jobs        *jobs.Runner
	Exporters   []ports.RecordExporter
	SlowRequest time.Duration
}

// HTTPServer serves the execution API
type HTTPServer struct {
	config  config.ServerConfig
	deps    Dependencies
	router  *gin.Engine
	logger  *zap.Logger
	started time.Time
}

// New creates the server and registers every route
func New(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{
		config:  cfg,
		deps:    deps,
		logger:  logger.Named("server"),
		started: time.Now(),
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *HTTPServer) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(logging.HTTPLoggingMiddleware(s.logger, s.deps.SlowRequest))
	if s.deps.Metrics != nil {
		s.router.Use(middleware.Metrics(s.deps.Metrics))
	}

	c := s.config.CORS
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     c.AllowedOrigins,
		AllowMethods:     c.AllowedMethods,
		AllowHeaders:     c.AllowedHeaders,
		ExposeHeaders:    c.ExposedHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}))
}

func (s *HTTPServer) setupRoutes() {
	e := s.deps.Engine
	s.router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil && s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
	docs := handlers.NewDocsHandler(s.config.Version, s.router.Routes)
	s.router.GET("/docs", docs.GetDocsUI)
	s.router.GET("/docs/openapi.json", docs.GetOpenAPIJSON)

	v1 := s.router.Group("/api/v1")
	if s.deps.Limiter != nil && s.config.RateLimit.Enabled {
		v1.Use(middleware.RateLimit(s.deps.Limiter, s.config.RateLimit.RequestsPerMinute))
	}

	ordersH := handlers.NewOrderHandler(e)
	orders := v1.Group("/orders")
	{
		orders.POST("", ordersH.CreateOrder)
		orders.GET("", ordersH.ListOrders)
		orders.GET("/metrics", ordersH.GetMetrics)
		orders.GET("/:id", ordersH.GetOrder)
		orders.DELETE("/:id", ordersH.CancelOrder)
	}

	marketH := handlers.NewMarketHandler(e)
	market := v1.Group("/market/:symbol")
	{
		market.POST("/price", ordersH.UpdateMarketPrice)
		market.PUT("/book", marketH.UpdateOrderBook)
		market.GET("/estimate", marketH.EstimateSlippage)
		market.GET("/optimal-size", marketH.OptimalSize)
		market.GET("/calibration", marketH.Calibration)
	}

	venueH := handlers.NewVenueHandler(e)
	venues := v1.Group("/venues")
	{
		venues.POST("", venueH.RegisterVenue)
		venues.GET("", venueH.ListVenues)
		venues.GET("/:id", venueH.GetVenue)
		venues.PUT("/:id/liquidity", venueH.UpdateLiquidity)
		venues.PUT("/:id/availability", venueH.SetAvailability)
	}
	routing := v1.Group("/routing")
	{
		routing.GET("/mode", venueH.GetMode)
		routing.PUT("/mode", venueH.SetMode)
		routing.POST("/preview", venueH.PreviewRoute)
	}

	execH := handlers.NewExecutionHandler(e)
	executions := v1.Group("/executions")
	{
		executions.POST("", execH.StartExecution)
		executions.GET("", execH.ListExecutions)
		executions.GET("/:id", execH.GetExecution)
		executions.DELETE("/:id", execH.CancelExecution)
	}

	analyticsH := handlers.NewAnalyticsHandler(e.Monitor(), s.deps.Exporters...)
	slippage := v1.Group("/slippage")
	{
		slippage.GET("/statistics", analyticsH.GetStatistics)
		slippage.GET("/analysis/:symbol", analyticsH.GetAnalysis)
		slippage.GET("/alerts", analyticsH.GetAlerts)
		slippage.GET("/records", analyticsH.GetRecords)
		slippage.POST("/export", analyticsH.ExportRecords)
	}

	eventsH := handlers.NewEventsHandler(e.Bus())
	v1.GET("/events/stream", eventsH.Stream)
	v1.GET("/events/stats", eventsH.Stats)

	if s.deps.Jobs != nil {
		jobsH := handlers.NewJobsHandler(s.deps.Jobs)
		v1.GET("/jobs", jobsH.ListJobs)
		v1.POST("/jobs/:name/run", jobsH.RunJob)
	}
}

func (s *HTTPServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"version":     s.config.Version,
		"environment": s.config.Environment,
		"uptime":      time.Since(s.started).Seconds(),
		"orders":      s.deps.Engine.Orders().Metrics(),
		"events":      s.deps.Engine.Bus().Stats(),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", s.config.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server",
			zap.Int("port", s.config.Port),
			zap.String("environment", s.config.Environment),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("Server exited")
	return nil
}

// Router returns the gin router for testing
func (s *HTTPServer) Router() *gin.Engine {
	return s.router
}
