package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"flow-studio/backend/internal/patch"
	"flow-studio/backend/internal/repository"
	"flow-studio/backend/internal/transport"
	"flow-studio/backend/pkg/models"
)

// ListFlows returns a summary of every flow
// (GET /api/flows)
func (s *Server) ListFlows(c echo.Context) error {
	flows, err := s.Flows.List(c.Request().Context())
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
	return c.JSON(http.StatusOK, flows)
}

// GetFlow returns one flow graph with its ETag
// (GET /api/flows/:id)
func (s *Server) GetFlow(c echo.Context) error {
	flow, err := s.Flows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.flowError(c, err)
	}
	return writeFlow(c, http.StatusOK, flow)
}

// PatchFlow applies a JSON Patch guarded by If-Match
// (PATCH /api/flows/:id)
func (s *Server) PatchFlow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		s.Metrics.FlowWrite("precondition_required")
		return writeError(c, http.StatusPreconditionRequired, "Precondition Required", "PATCH requires an If-Match header")
	}

	var ops []patch.Op
	if err := json.NewDecoder(c.Request().Body).Decode(&ops); err != nil {
		s.Metrics.FlowWrite("invalid")
		return writeError(c, http.StatusBadRequest, "Bad Request", "Invalid patch body: "+err.Error())
	}

	current, err := s.Flows.Get(ctx, id)
	if err != nil {
		return s.flowError(c, err)
	}
	expected := current.Version
	if ifMatch != "*" {
		v, ok := models.ParseVersionTag(id, transport.ParseETag(ifMatch))
		if !ok {
			s.Metrics.FlowWrite("conflict")
			return writeFlow(c, http.StatusPreconditionFailed, current)
		}
		expected = v
	}

	updated, err := repository.ApplyPatch(ctx, s.Flows, id, expected, ops)
	if err != nil {
		return s.flowError(c, err)
	}
	s.Metrics.FlowWrite("ok")
	s.Logger.Debug("flow patched", "flow_id", id, "version", updated.Version, "ops", len(ops))
	return writeFlow(c, http.StatusOK, updated)
}

func (s *Server) flowError(c echo.Context, err error) error {
	var mismatch *repository.VersionMismatchError
	switch {
	case errors.As(err, &mismatch):
		s.Metrics.FlowWrite("conflict")
		return writeFlow(c, http.StatusPreconditionFailed, mismatch.Current)
	case errors.Is(err, repository.ErrNotFound):
		return writeError(c, http.StatusNotFound, "Not Found", "flow "+c.Param("id")+" does not exist")
	case errors.Is(err, patch.ErrInvalidOp), errors.Is(err, patch.ErrNotApplicable):
		s.Metrics.FlowWrite("invalid")
		return writeError(c, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		s.Metrics.FlowWrite("error")
		s.Logger.Error("flow request failed", "flow_id", c.Param("id"), "error", err)
		return writeError(c, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}

func writeFlow(c echo.Context, status int, flow *repository.StoredFlow) error {
	c.Response().Header().Set("ETag", transport.FormatETag(flow.ETag()))
	return c.JSON(status, flow.Graph)
}
