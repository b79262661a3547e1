package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the kube9 HTTP API. It is a thin routing layer: every handler
// decodes a request, calls one Manager operation and encodes the result.
type Server struct {
	manager *manager.Manager
	echo    *echo.Echo

	// done releases open event streams on shutdown
	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Server
type Option func(*options)

type options struct {
	rateLimit float64
	rateBurst int
}

// WithRateLimit limits /v1 requests per client IP. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = perSecond
		o.rateBurst = burst
	}
}

// NewServer creates the API server and registers all routes
func NewServer(mgr *manager.Manager, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	s := &Server{
		manager: mgr,
		echo:    e,
		done:    make(chan struct{}),
	}

	e.Use(middleware.Recover())
	e.Use(requestMiddleware)
	s.setupRoutes(o)
	return s
}

func (s *Server) setupRoutes(o options) {
	e := s.echo

	e.GET("/health", echo.WrapHandler(metrics.HealthHandler()))
	e.GET("/live", echo.WrapHandler(metrics.LivenessHandler()))
	e.GET("/ready", s.ready)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := e.Group("/v1")
	if o.rateLimit > 0 {
		v1.Use(rateLimiter(o.rateLimit, o.rateBurst))
	}
	{
		v1.POST("/nodes", s.registerNode)
		v1.GET("/nodes", s.listNodes)
		v1.GET("/nodes/health", s.clusterHealth)
		v1.GET("/nodes/:id", s.getNode)
		v1.POST("/nodes/:id/heartbeat", s.heartbeat)
		v1.PATCH("/nodes/:id/components", s.updateComponent)
		v1.POST("/nodes/:id/fail", s.forceFail)
		v1.POST("/nodes/:id/cleanup", s.forceCleanup)
		v1.POST("/nodes/:id/reschedule", s.reschedule)

		v1.POST("/pods", s.placePod)
		v1.GET("/pods", s.listPods)
		v1.GET("/pods/:id", s.getPod)
		v1.DELETE("/pods/:id", s.deletePod)
		v1.POST("/pods/:id/schedule", s.schedulePod)

		v1.GET("/events", s.streamEvents)
	}
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("API listening")
	metrics.SetComponent(metrics.ComponentAPI, true, "listening on "+addr)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.SetComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.SetComponent(metrics.ComponentAPI, false, "shutting down")
	s.doneOnce.Do(func() { close(s.done) })
	return s.echo.Shutdown(ctx)
}
