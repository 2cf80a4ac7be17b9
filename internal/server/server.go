package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mailcal/internal/cache"
	"mailcal/internal/config"
	"mailcal/internal/handlers"
	"mailcal/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"
)

// responseTTL bounds how stale a cached API listing may be
const responseTTL = 5 * time.Second

// Server represents the status API server
type Server struct {
	echo   *echo.Echo
	db     *sqlx.DB
	config *config.Config
	logger zerolog.Logger
	caches handlers.Caches
}

// New creates a new server instance
func New(cfg *config.Config, db *sqlx.DB, logger zerolog.Logger) *Server {
	return &Server{
		config: cfg,
		db:     db,
		logger: logger.With().Str("component", "server").Logger(),
		caches: handlers.Caches{
			Occurrences: cache.New[models.OccurrencesResponse](responseTTL),
			Runs:        cache.New[models.RunsResponse](responseTTL),
			Status:      cache.New[models.StatusResponse](responseTTL),
		},
	}
}

// zerologMiddleware creates a zerolog-based logging middleware for Echo
func (s *Server) zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			event := s.logger.Info()
			if res.Status >= http.StatusInternalServerError {
				event = s.logger.Error()
			}
			event.
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Str("user_agent", req.UserAgent()).
				Msg("HTTP request")

			return err
		}
	}
}

// Initialize sets up the Echo framework with middleware and routes
func (s *Server) Initialize() {
	s.echo = echo.New()

	s.echo.Use(s.zerologMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.setupRoutes()
}

// setupRoutes configures all the application routes
func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	// Swagger documentation
	s.echo.GET("/swagger/*", echoSwagger.WrapHandler)

	// Health endpoints (keep at root level for monitoring)
	s.echo.GET("/healthz", handlers.HealthHandler(s.config.Version))
	s.echo.GET("/healthz/db", handlers.DBHealthHandler(s.db))

	api.GET("/", handlers.RootHandler(s.config.Version))
	api.GET("/occurrences", handlers.OccurrencesHandler(s.db, s.caches.Occurrences))
	api.GET("/runs", handlers.RunsHandler(s.db, s.caches.Runs))
	api.GET("/status", handlers.StatusHandler(s.db, s.caches.Status))
}

// Invalidate drops cached listings, called after a cycle changed the store
func (s *Server) Invalidate() {
	s.caches.Occurrences.Clear()
	s.caches.Runs.Clear()
	s.caches.Status.Clear()
}

// ServeHTTP lets the server be mounted or exercised without a listener
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info().Str("port", s.config.Port).Msg("Server starting")
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
