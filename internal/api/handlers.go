// Package api contains the HTTP handlers for the Flow Studio reference server.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/internal/repository"
	"flow-studio/backend/internal/runs"
	"flow-studio/backend/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server holds the dependencies for the API server.
type Server struct {
	Flows   repository.FlowStore
	Runs    *runs.Registry
	Streams *runs.Broadcaster
	Metrics *observability.ServerMetrics
	Logger  *logging.Logger
}

// NewServer creates a new Server.
func NewServer(flows repository.FlowStore, registry *runs.Registry, streams *runs.Broadcaster, metrics *observability.ServerMetrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{Flows: flows, Runs: registry, Streams: streams, Metrics: metrics, Logger: logger}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "flow-studio",
		Version:   Version,
	})
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(problem)
}
