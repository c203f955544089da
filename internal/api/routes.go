package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// RegisterHandlers mounts the Flow Studio REST API on g.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/flows", s.ListFlows)
	g.GET("/flows/:id", s.GetFlow)
	g.PATCH("/flows/:id", s.PatchFlow)

	g.POST("/runs", s.StartRun)
	g.GET("/runs", s.ListRuns)
	g.GET("/runs/:id", s.GetRun)
	g.DELETE("/runs/:id", s.StopRun)
	g.POST("/runs/:id/pause", s.PauseRun)
	g.POST("/runs/:id/resume", s.ResumeRun)
	g.POST("/runs/:id/events", s.IngestEvent)
	g.GET("/runs/:id/stream", s.StreamRun)
	g.GET("/runs/:id/boundary-review", s.GetBoundaryReview)
	g.GET("/runs/:id/inventory", s.GetInventory)
}

// NewEcho builds the HTTP router: middleware, health, docs, metrics and the
// API under /api. gatherer may be nil to skip /metrics.
func NewEcho(s *Server, gatherer prometheus.Gatherer) *echo.Echo {
	logger := s.Logger
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flow-studio"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", s.HandleHealth)
	e.GET("/openapi.yaml", SpecHandler)
	e.GET("/docs", SwaggerHandler)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	RegisterHandlers(e.Group("/api"), s)

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		detail := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		}
		_ = writeError(c, status, http.StatusText(status), detail)
	}
	return e
}
