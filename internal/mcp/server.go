// Package mcp exposes flows and runs to the agentic host as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"flow-studio/backend/internal/patch"
	"flow-studio/backend/internal/repository"
	"flow-studio/backend/internal/runs"
	"flow-studio/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	flows     repository.FlowStore
	runs      *runs.Registry
}

// FlowResult is the payload of get_flow and patch_flow.
type FlowResult struct {
	Flow models.FlowGraph `json:"flow"`
	ETag string           `json:"etag"`
}

// RunStatus is the payload of run_status.
type RunStatus struct {
	Run       models.Run             `json:"run"`
	ETag      string                 `json:"etag"`
	Review    models.BoundaryReview  `json:"boundary_review"`
	Inventory models.InventoryCounts `json:"inventory"`
}

func NewServer(flows repository.FlowStore, registry *runs.Registry) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Flow Studio",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		flows: flows,
		runs:  registry,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_flow",
			mcp.WithDescription("Read a flow graph and its concurrency token"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The flow ID, e.g. signal or build")),
		),
		s.handleGetFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"patch_flow",
			mcp.WithDescription("Apply JSON Patch operations to a flow graph. Fails if the etag is no longer current."),
			mcp.WithString("id", mcp.Required(), mcp.Description("The flow ID")),
			mcp.WithString("etag", mcp.Required(), mcp.Description("The token returned by get_flow")),
			mcp.WithArray("ops", mcp.Required(), mcp.Description("RFC 6902 operations (add, remove, replace)")),
		),
		s.handlePatchFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_runs",
			mcp.WithDescription("List runs, newest first"),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_status",
			mcp.WithDescription("Report a run's state, boundary review and artifact inventory"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The run ID")),
		),
		s.handleRunStatus,
	)
}

func (s *Server) handleGetFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get flow: %v", err)), nil
	}

	return jsonResult(FlowResult{Flow: flow.Graph, ETag: flow.ETag()})
}

func (s *Server) handlePatchFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}
	etag, _ := args["etag"].(string)
	if etag == "" {
		return mcp.NewToolResultError("Missing required parameter: etag"), nil
	}
	raw, ok := args["ops"]
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: ops"), nil
	}
	ops, err := decodeOps(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid ops: %v", err)), nil
	}

	version, ok := models.ParseVersionTag(id, etag)
	if !ok {
		version = -1
	}
	updated, err := repository.ApplyPatch(ctx, s.flows, id, version, ops)
	var mismatch *repository.VersionMismatchError
	switch {
	case errors.As(err, &mismatch):
		return mcp.NewToolResultError(fmt.Sprintf("Flow %s was changed elsewhere; current etag is %s", id, mismatch.Current.ETag())), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to patch flow: %v", err)), nil
	}

	return jsonResult(FlowResult{Flow: updated.Graph, ETag: updated.ETag()})
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.runs.List(ctx))
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("run_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	review, err := s.runs.BoundaryReview(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get boundary review: %v", err)), nil
	}
	inventory, err := s.runs.InventoryCounts(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get inventory: %v", err)), nil
	}

	return jsonResult(RunStatus{Run: run, ETag: runs.ETag(run), Review: review, Inventory: inventory})
}

// decodeOps converts the loosely typed tool argument into patch operations.
func decodeOps(raw any) ([]patch.Op, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var ops []patch.Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(e *echo.Echo, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))
	handler := echo.WrapHandler(sseServer)

	e.GET("/mcp/sse", handler)
	e.POST("/mcp/message", handler)
	// Direct POST for tool calls
	e.POST("/mcp", handler)
}
