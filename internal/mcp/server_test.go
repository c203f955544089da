package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/repository"
	"flow-studio/backend/internal/runs"
	"flow-studio/backend/pkg/models"
)

type nopPublisher struct{}

func (nopPublisher) Open(string) {}
func (nopPublisher) Publish(events.Envelope) error { return nil }

func newTestServer(t *testing.T) (*Server, *runs.Registry) {
	t.Helper()
	store := repository.NewMemoryFlowStore()
	_, err := store.Put(context.Background(), models.FlowGraph{ID: "plan", Title: "Plan"})
	require.NoError(t, err)
	registry := runs.NewRegistry(nopPublisher{}, nil, nil)
	return NewServer(store, registry), registry
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestGetAndPatchFlow(t *testing.T) {
	s, _ := newTestServer(t)

	out, isErr := call(t, s.handleGetFlow, map[string]any{"id": "plan"})
	require.False(t, isErr, out)
	var got FlowResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "plan-v1", got.ETag)

	ops := []any{map[string]any{"op": "replace", "path": "/title", "value": "Planning"}}
	out, isErr = call(t, s.handlePatchFlow, map[string]any{"id": "plan", "etag": got.ETag, "ops": ops})
	require.False(t, isErr, out)
	var patched FlowResult
	require.NoError(t, json.Unmarshal([]byte(out), &patched))
	assert.Equal(t, "plan-v2", patched.ETag)
	assert.Equal(t, "Planning", patched.Flow.Title)

	out, isErr = call(t, s.handlePatchFlow, map[string]any{"id": "plan", "etag": got.ETag, "ops": ops})
	assert.True(t, isErr)
	assert.Contains(t, out, "changed elsewhere")
	assert.Contains(t, out, "plan-v2")
}

func TestToolArgumentErrors(t *testing.T) {
	s, _ := newTestServer(t)

	out, isErr := call(t, s.handleGetFlow, map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, out, "id")

	out, isErr = call(t, s.handlePatchFlow, map[string]any{"id": "plan", "etag": "plan-v1", "ops": "nope"})
	assert.True(t, isErr)
	assert.Contains(t, out, "Invalid ops")

	_, isErr = call(t, s.handleGetFlow, map[string]any{"id": "missing"})
	assert.True(t, isErr)
}

func TestRunTools(t *testing.T) {
	s, registry := newTestServer(t)
	ctx := context.Background()

	run, err := registry.Start(ctx, models.StartRunRequest{FlowKey: "build"})
	require.NoError(t, err)
	_, err = registry.Ingest(ctx, events.Envelope{Kind: events.KindArtifactCreated, RunID: run.ID})
	require.NoError(t, err)

	out, isErr := call(t, s.handleListRuns, nil)
	require.False(t, isErr)
	var list []models.Run
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, run.ID, list[0].ID)

	out, isErr = call(t, s.handleRunStatus, map[string]any{"run_id": run.ID})
	require.False(t, isErr, out)
	var status RunStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, models.RunRunning, status.Run.Status)
	assert.Equal(t, runs.ETag(run), status.ETag)
	assert.Equal(t, 1, status.Inventory.Artifacts["build"])
}
