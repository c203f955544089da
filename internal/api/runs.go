package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/runs"
	"flow-studio/backend/internal/transport"
	"flow-studio/backend/pkg/models"
)

// StartRun creates a run
// (POST /api/runs)
func (s *Server) StartRun(c echo.Context) error {
	var req models.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
	}
	run, err := s.Runs.Start(c.Request().Context(), req)
	if err != nil {
		return s.runError(c, run, err)
	}
	return writeRun(c, http.StatusCreated, run, run)
}

// ListRuns returns every run, newest first
// (GET /api/runs)
func (s *Server) ListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Runs.List(c.Request().Context()))
}

// GetRun returns one run with its ETag
// (GET /api/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.Runs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.runError(c, run, err)
	}
	return writeRun(c, http.StatusOK, run, run)
}

// PauseRun pauses a running run
// (POST /api/runs/:id/pause)
func (s *Server) PauseRun(c echo.Context) error {
	return s.runAction(c, "pause", s.Runs.Pause)
}

// ResumeRun resumes a paused run
// (POST /api/runs/:id/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	return s.runAction(c, "resume", s.Runs.Resume)
}

// StopRun stops a run
// (DELETE /api/runs/:id)
func (s *Server) StopRun(c echo.Context) error {
	return s.runAction(c, "stop", s.Runs.Stop)
}

type runTransition func(ctx context.Context, id string, expected int) (models.Run, error)

// runAction applies a control action. If-Match is optional; when present it
// must name the current version.
func (s *Server) runAction(c echo.Context, action string, transition runTransition) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	expected := 0
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" && ifMatch != "*" {
		v, ok := models.ParseVersionTag(id, transport.ParseETag(ifMatch))
		if !ok {
			current, err := s.Runs.Get(ctx, id)
			if err != nil {
				return s.runError(c, current, err)
			}
			return writeRun(c, http.StatusPreconditionFailed, current, current)
		}
		expected = v
	}

	run, err := transition(ctx, id, expected)
	if err != nil {
		return s.runError(c, run, err)
	}
	return writeRun(c, http.StatusOK, run, models.RunAction{RunID: run.ID, Action: action, Status: run.Status})
}

// IngestEvent accepts an event envelope from the agentic host
// (POST /api/runs/:id/events)
func (s *Server) IngestEvent(c echo.Context) error {
	id := c.Param("id")
	var env events.Envelope
	if err := c.Bind(&env); err != nil {
		return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid event envelope: "+err.Error())
	}
	if env.RunID == "" {
		env.RunID = id
	}
	if env.RunID != id {
		return writeError(c, http.StatusBadRequest, "Bad Request", "run_id does not match the path")
	}
	run, err := s.Runs.Ingest(c.Request().Context(), env)
	if err != nil {
		return s.runError(c, run, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// StreamRun serves the run's server-sent events
// (GET /api/runs/:id/stream)
func (s *Server) StreamRun(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.Runs.Get(c.Request().Context(), id); err != nil {
		return s.runError(c, models.Run{}, err)
	}
	if !s.Streams.Exists(id) {
		return writeError(c, http.StatusGone, "Gone", "the event stream for run "+id+" is closed")
	}

	r := c.Request()
	q := r.URL.Query()
	q.Set("stream", id)
	r.URL.RawQuery = q.Encode()

	s.Metrics.SubscriberDelta(1)
	defer s.Metrics.SubscriberDelta(-1)
	s.Streams.ServeHTTP(c.Response(), r)
	return nil
}

// GetBoundaryReview returns a run's boundary review
// (GET /api/runs/:id/boundary-review)
func (s *Server) GetBoundaryReview(c echo.Context) error {
	review, err := s.Runs.BoundaryReview(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.runError(c, models.Run{}, err)
	}
	return c.JSON(http.StatusOK, review)
}

// GetInventory returns a run's artifact inventory
// (GET /api/runs/:id/inventory)
func (s *Server) GetInventory(c echo.Context) error {
	counts, err := s.Runs.InventoryCounts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.runError(c, models.Run{}, err)
	}
	return c.JSON(http.StatusOK, counts)
}

// runError maps registry errors to responses. For a version mismatch, run is
// the current state and is returned with its ETag.
func (s *Server) runError(c echo.Context, run models.Run, err error) error {
	switch {
	case errors.Is(err, runs.ErrVersionMismatch):
		return writeRun(c, http.StatusPreconditionFailed, run, run)
	case errors.Is(err, runs.ErrNotFound):
		return writeError(c, http.StatusNotFound, "Not Found", "run "+c.Param("id")+" does not exist")
	case errors.Is(err, runs.ErrIllegalTransition):
		return writeError(c, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, runs.ErrInvalidRequest):
		return writeError(c, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		s.Logger.Error("run request failed", "run_id", c.Param("id"), "error", err)
		return writeError(c, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}

func writeRun(c echo.Context, status int, run models.Run, body any) error {
	c.Response().Header().Set("ETag", transport.FormatETag(runs.ETag(run)))
	return c.JSON(status, body)
}
