// Package http serves the autodoc ops endpoint: health, Prometheus metrics
// and the provider cooldown view.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/router"
)

// ProviderLister reports provider cooldown state.
type ProviderLister interface {
	Providers() []router.ProviderStatus
}

// Server provides the ops HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	registry *prometheus.Registry
	logger   *logging.Logger
	config   *Config
}

// Config holds ops server configuration.
type Config struct {
	Addr    string
	Version string

	// Providers backs /api/v1/providers and the provider gauges. Optional.
	Providers ProviderLister

	// Degraded reports components running in a reduced mode. Optional.
	Degraded func() []string
}

// NewServer creates the ops server.
func NewServer(logger *logging.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "localhost:9090"}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := NewHTTPMetrics(registry)
	if cfg.Providers != nil {
		registry.MustRegister(newProviderCollector(cfg.Providers))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(httpMetrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: registry,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/providers", s.handleProviders)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if s.config.Degraded != nil {
		if degraded := s.config.Degraded(); len(degraded) > 0 {
			resp.Status = "degraded"
			resp.Degraded = degraded
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProviders(c echo.Context) error {
	if s.config.Providers == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no providers configured")
	}
	statuses := s.config.Providers.Providers()
	resp := ProvidersResponse{Providers: make([]ProviderStatus, 0, len(statuses))}
	for _, p := range statuses {
		ps := ProviderStatus{
			Name:     p.Name,
			Type:     p.Type,
			Model:    p.Model,
			Priority: p.Priority,
			State:    string(p.State),
		}
		if !p.CoolingUntil.IsZero() {
			until := p.CoolingUntil
			ps.CoolingUntil = &until
		}
		resp.Providers = append(resp.Providers, ps)
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting ops http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down ops http server")
	return s.echo.Shutdown(ctx)
}
