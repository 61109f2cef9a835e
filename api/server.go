// Package api is the HTTP surface consumed by the UI.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/songzhibin97/autoflow/analytics"
	"github.com/songzhibin97/autoflow/workflow"
)

// Request headers carrying the caller identity. Authentication happens in
// front of this service.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

const serviceName = "autoflow"

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithStatus adds component states to /health, e.g. whether the queue is
// durable.
func WithStatus(fn func() map[string]string) Option {
	return func(s *Server) { s.status = fn }
}

// WithMount serves h for every path under prefix.
func WithMount(prefix string, h http.Handler) Option {
	return func(s *Server) { s.mounts[prefix] = h }
}

// Server holds the dependencies for the API server.
type Server struct {
	echo      *echo.Echo
	workflows *workflow.Service
	analytics *analytics.Service
	logger    *slog.Logger
	version   string
	status    func() map[string]string
	mounts    map[string]http.Handler
}

// New creates the server and registers its routes.
func New(workflows *workflow.Service, stats *analytics.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:      echo.New(),
		workflows: workflows,
		analytics: stats,
		logger:    logger,
		version:   "dev",
		mounts:    make(map[string]http.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Echo returns the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.Health)
	e.GET("/api/workflows/schema", s.Schema)

	g := e.Group("/api/workflows", requireTenant)
	g.POST("/parse", s.Parse)
	g.POST("", s.CreateWorkflow)
	g.GET("", s.ListWorkflows)
	g.GET("/:id", s.GetWorkflow)
	g.PUT("/:id", s.UpdateWorkflow)
	g.POST("/:id/validate", s.ValidateWorkflow)
	g.POST("/:id/execute", s.DeployWorkflow)
	g.POST("/:id/deploy", s.DeployWorkflow)
	g.GET("/:id/logs", s.WorkflowLogs)
	g.GET("/:id/analytics", s.WorkflowAnalytics)
	g.POST("/:id/ask", s.AskWorkflow)

	for prefix, h := range s.mounts {
		e.Any(prefix+"/*", echo.WrapHandler(h))
	}
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Service    string            `json:"service"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
}

// Health returns basic health status (always returns 200 OK)
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   serviceName,
		Version:   s.version,
	}
	if s.status != nil {
		status.Components = s.status()
	}
	return c.JSON(http.StatusOK, status)
}
