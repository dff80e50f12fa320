// Package http serves Sentinel's read API, health and metrics over echo.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/logging"
	"github.com/kiwaku/Sentinel/internal/pipeline"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/store"
	"github.com/kiwaku/Sentinel/internal/telemetry"
	"github.com/kiwaku/Sentinel/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// ProfileSource yields the profile used to score responses. *profile.Watcher
// satisfies it.
type ProfileSource interface {
	Current() *profile.Profile
}

// StaticProfile serves one fixed profile.
type StaticProfile struct{ P *profile.Profile }

func (s StaticProfile) Current() *profile.Profile { return s.P }

// RunReporter exposes the most recent pipeline run. *pipeline.Coordinator
// satisfies it.
type RunReporter interface {
	Last() *pipeline.RunSummary
}

// TelemetrySource reports export state and supplies the meter provider for
// HTTP metrics. *telemetry.Telemetry satisfies it.
type TelemetrySource interface {
	State() telemetry.State
	MeterProvider() metric.MeterProvider
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	store    store.Store
	profiles ProfileSource
	runs     RunReporter
	index    *vectorstore.Index
	gatherer prometheus.Gatherer
	metrics  *HTTPMetrics
	tel      TelemetrySource
	logger   *logging.Logger
	config   *Config
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithIndex enables GET /api/v1/search.
func WithIndex(idx *vectorstore.Index) Option {
	return func(s *Server) { s.index = idx }
}

// WithRuns enables GET /api/v1/runs/last.
func WithRuns(r RunReporter) Option {
	return func(s *Server) { s.runs = r }
}

// WithGatherer replaces the default prometheus registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMetrics replaces the OTel HTTP metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTelemetry reports tel on /health and records HTTP metrics with its
// meter provider unless WithMetrics is also given.
func WithTelemetry(tel TelemetrySource) Option {
	return func(s *Server) { s.tel = tel }
}

// WithClock overrides the time used for scoring.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new HTTP server.
func NewServer(st store.Store, profiles ProfileSource, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	if profiles == nil {
		return nil, errors.New("profile source cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	s := &Server{
		store:    st,
		profiles: profiles,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		var mp metric.MeterProvider
		if s.tel != nil {
			mp = s.tel.MeterProvider()
		}
		s.metrics = NewHTTPMetrics(mp, logger.Underlying())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())
	s.echo = e

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/opportunities", s.handleListOpportunities)
	v1.GET("/opportunities/:id", s.handleGetOpportunity)
	v1.POST("/opportunities/seen", s.handleMarkSeen)
	v1.GET("/search", s.handleSearch)
	v1.GET("/summary", s.handleSummary)
	v1.GET("/runs/last", s.handleLastRun)
	v1.GET("/stats", s.handleStats)
}

// requestLogger puts the request ID on the request context and logs one
// line per request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := req.Context()
		if rid := c.Response().Header().Get(echo.HeaderXRequestID); logging.IsValidID(rid) {
			ctx = logging.WithRequestID(ctx, rid)
			c.SetRequest(req.WithContext(ctx))
		}

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
