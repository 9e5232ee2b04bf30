// Package admin is the worker's operational HTTP surface: a liveness
// probe for process orchestrators, separate from the client-facing
// dispatch protocols in pkg/protocol/httpproto and pkg/protocol/wsproto.
// A conventional fixed route table, served with Echo.
package admin

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/validana-io/vserver/pkg/store"
	"github.com/validana-io/vserver/pkg/version"
)

const healthTimeout = 5 * time.Second

// HealthCheck is one named dependency's status in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Server is the per-worker admin HTTP server, run alongside the
// client-facing protocol listeners on its own ADMINPORT.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	store      *store.Store
}

// New builds the admin server's route table. st may be nil in tests
// that don't need a database check.
func New(st *store.Store) *Server {
	e := echo.New()
	s := &Server{echo: e, store: st}
	e.GET("/health", s.healthHandler)
	return s
}

// Start serves the admin surface on addr, blocking until the listener
// errors or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := statusHealthy

	if s.store != nil {
		dbHealth := s.store.Health(reqCtx)
		if !dbHealth.Healthy {
			status = statusUnhealthy
			checks["database"] = HealthCheck{Status: statusUnhealthy, Message: dbHealth.Error}
		} else {
			checks["database"] = HealthCheck{Status: statusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Full(),
		Checks:  checks,
	})
}
