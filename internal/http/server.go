// Package http provides the local HTTP server exposing health, metrics and
// reconciled runs.
package http

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/runsync/internal/cache"
	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/hub"
	"github.com/xiaot623/gogo/runsync/internal/metrics"
	"github.com/xiaot623/gogo/runsync/internal/reconciler"
)

// Server is the local HTTP server.
type Server struct {
	echo  *echo.Echo
	hub   *hub.Hub
	cache *cache.Cache
	rec   *reconciler.Reconciler
}

// Option configures a Server.
type Option func(*options)

type options struct {
	accessLog io.Writer
}

// WithAccessLog sets where request logs are written. Defaults to stderr so
// they stay out of the transcript on stdout.
func WithAccessLog(w io.Writer) Option {
	return func(o *options) { o.accessLog = w }
}

// NewServer creates a new local HTTP server.
func NewServer(h *hub.Hub, c *cache.Cache, rec *reconciler.Reconciler, m *metrics.Metrics, opts ...Option) *Server {
	o := options{accessLog: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{Output: o.accessLog}))
	e.Use(middleware.Recover())

	s := &Server{
		echo:  e,
		hub:   h,
		cache: c,
		rec:   rec,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/sessions/:session_id/run", s.handleGetRun)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"connections":    s.hub.Count(),
		"sessions":       s.cache.Len(),
		"cache_degraded": s.cache.Degraded(),
	})
}

// RunResponse is the body of GET /sessions/:session_id/run.
type RunResponse struct {
	*domain.Run
	ObservedStatus domain.RunStatus `json:"observed_status"`
	Source         string           `json:"source"` // "live" or "cache"
}

// handleGetRun returns the session's live run, falling back to the cached copy.
func (s *Server) handleGetRun(c echo.Context) error {
	sessionID := c.Param("session_id")

	source := "live"
	run := s.rec.Run(sessionID)
	if run == nil {
		source = "cache"
		run = s.cache.Get(sessionID)
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	return c.JSON(http.StatusOK, RunResponse{
		Run:            run,
		ObservedStatus: run.ObservedStatus(),
		Source:         source,
	})
}
