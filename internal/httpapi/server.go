// Package httpapi serves the ranking engine over REST.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/app"
	"github.com/zenglow/fusionrank/internal/logging"
)

// Server provides the REST endpoints.
type Server struct {
	echo   *echo.Echo
	app    *app.App
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates a new HTTP server over a wired App.
func NewServer(a *app.App, cfg *Config) (*Server, error) {
	if a == nil || a.Engine == nil {
		return nil, errors.New("app is required")
	}
	if cfg == nil {
		cfg = &Config{Addr: "127.0.0.1:8080"}
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	s := &Server{
		echo:   e,
		app:    a,
		logger: logger,
		config: cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/health/db", s.handleHealthDB)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/metrics/json", s.handleMetricsJSON)

	rag := s.echo.Group("/rag")
	rag.POST("/query", s.handleQuery)
	rag.POST("/answer", s.handleAnswer)

	s.echo.POST("/ingest", s.handleIngest)
	s.echo.POST("/interactions", s.handleInteraction)
	s.echo.POST("/cache/invalidate", s.handleInvalidate)

	exp := s.echo.Group("/experiments")
	exp.GET("", s.handleListExperiments)
	exp.GET("/active", s.handleActiveExperiment)
	exp.POST("/activate", s.handleActivate)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
