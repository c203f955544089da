package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flow-studio/backend/internal/patch"
	"flow-studio/backend/pkg/models"
)

// ApplyPatch applies ops to flow id, guarded by the expected version. The
// patch applies as a whole or not at all; the ID cannot be patched.
func ApplyPatch(ctx context.Context, store FlowStore, id string, expected int, ops []patch.Op) (*StoredFlow, error) {
	if err := patch.Validate(ops); err != nil {
		return nil, err
	}
	if patch.Touches(ops, "/id") {
		return nil, fmt.Errorf("%w: the flow id cannot be changed", patch.ErrNotApplicable)
	}
	current, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expected {
		return nil, &VersionMismatchError{Expected: expected, Current: current}
	}

	doc, err := json.Marshal(current.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", id, err)
	}
	patched, err := patch.Apply(doc, ops)
	if err != nil {
		return nil, err
	}
	var next models.FlowGraph
	if err := json.Unmarshal(patched, &next); err != nil {
		return nil, fmt.Errorf("%w: result is not a flow graph: %v", patch.ErrNotApplicable, err)
	}
	next.ID = id
	next.UpdatedAt = time.Now().UTC()
	return store.Swap(ctx, expected, next)
}

// normalize gives a graph empty rather than null node and edge lists, so
// that "/nodes/-" style patches apply to every stored flow.
func normalize(g models.FlowGraph) models.FlowGraph {
	if g.Nodes == nil {
		g.Nodes = []models.Node{}
	}
	if g.Edges == nil {
		g.Edges = []models.Edge{}
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}
	return g
}

func cloneGraph(g models.FlowGraph) models.FlowGraph {
	data, err := json.Marshal(g)
	if err != nil {
		return g
	}
	var out models.FlowGraph
	if err := json.Unmarshal(data, &out); err != nil {
		return g
	}
	return out
}
