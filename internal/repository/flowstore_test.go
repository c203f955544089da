package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-studio/backend/internal/config"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/patch"
	"flow-studio/backend/pkg/models"
)

func sampleGraph(id string) models.FlowGraph {
	return models.FlowGraph{
		ID:    id,
		Title: "Signal intake",
		Nodes: []models.Node{
			{ID: "collect", Kind: "step", Label: "Collect"},
			{ID: "triage", Kind: "step", Label: "Triage"},
		},
		Edges: []models.Edge{{ID: "collect->triage", From: "collect", To: "triage"}},
	}
}

// exerciseFlowStore checks the FlowStore contract shared by every backend.
func exerciseFlowStore(t *testing.T, store FlowStore) {
	ctx := context.Background()

	t.Run("Get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Put and Get", func(t *testing.T) {
		stored, err := store.Put(ctx, sampleGraph("signal"))
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Version)
		assert.Equal(t, "signal-v1", stored.ETag())

		got, err := store.Get(ctx, "signal")
		require.NoError(t, err)
		assert.Equal(t, "Signal intake", got.Graph.Title)
		assert.Len(t, got.Graph.Nodes, 2)
		assert.Equal(t, 1, got.Version)

		again, err := store.Put(ctx, sampleGraph("signal"))
		require.NoError(t, err)
		assert.Equal(t, 2, again.Version)
	})

	t.Run("Swap checks version", func(t *testing.T) {
		cur, err := store.Get(ctx, "signal")
		require.NoError(t, err)

		next := cur.Graph
		next.Title = "renamed"
		swapped, err := store.Swap(ctx, cur.Version, next)
		require.NoError(t, err)
		assert.Equal(t, cur.Version+1, swapped.Version)

		_, err = store.Swap(ctx, cur.Version, next)
		require.ErrorIs(t, err, ErrVersionMismatch)
		var vm *VersionMismatchError
		require.ErrorAs(t, err, &vm)
		assert.Equal(t, swapped.Version, vm.Current.Version)
		assert.Equal(t, "renamed", vm.Current.Graph.Title)
	})

	t.Run("ApplyPatch", func(t *testing.T) {
		cur, err := store.Get(ctx, "signal")
		require.NoError(t, err)

		ops := []patch.Op{
			patch.ReplaceOp("/nodes/0/label", "Collect signals"),
			patch.AddOp("/nodes/-", models.Node{ID: "route", Kind: "step", Label: "Route"}),
		}
		updated, err := ApplyPatch(ctx, store, "signal", cur.Version, ops)
		require.NoError(t, err)
		assert.Equal(t, cur.Version+1, updated.Version)
		assert.Equal(t, "Collect signals", updated.Graph.Nodes[0].Label)
		assert.Len(t, updated.Graph.Nodes, 3)

		// The old version now conflicts and nothing is written.
		_, err = ApplyPatch(ctx, store, "signal", cur.Version, ops)
		assert.ErrorIs(t, err, ErrVersionMismatch)

		// A failing op aborts the whole patch.
		bad := []patch.Op{
			patch.ReplaceOp("/title", "half applied"),
			patch.RemoveOp("/nodes/99"),
		}
		_, err = ApplyPatch(ctx, store, "signal", updated.Version, bad)
		assert.ErrorIs(t, err, patch.ErrNotApplicable)

		_, err = ApplyPatch(ctx, store, "signal", updated.Version, []patch.Op{patch.ReplaceOp("/id", "hijacked")})
		assert.ErrorIs(t, err, patch.ErrNotApplicable)

		after, err := store.Get(ctx, "signal")
		require.NoError(t, err)
		assert.Equal(t, updated.Version, after.Version)
		assert.Equal(t, "renamed", after.Graph.Title)
		_, err = store.Get(ctx, "hijacked")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		_, err := store.Put(ctx, sampleGraph("build"))
		require.NoError(t, err)

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "build", list[0].ID)
		assert.Equal(t, "build-v1", list[0].ETag)
		assert.Equal(t, "signal", list[1].ID)
	})
}

func TestMemoryFlowStore(t *testing.T) {
	exerciseFlowStore(t, NewMemoryFlowStore())
}

func TestSQLiteFlowStore(t *testing.T) {
	store, err := OpenSQLiteFlowStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseFlowStore(t, store)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryFlowStore()
	ctx := context.Background()
	_, err := store.Put(ctx, sampleGraph("plan"))
	require.NoError(t, err)

	got, err := store.Get(ctx, "plan")
	require.NoError(t, err)
	got.Graph.Nodes[0].Label = "mutated"

	again, err := store.Get(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, "Collect", again.Graph.Nodes[0].Label)
}

func TestOpenSelectsDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Driver = "memory"
	store, err := Open(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MemoryFlowStore{}, store)

	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = ":memory:"
	store, err = Open(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteFlowStore{}, store)
	_ = store.Close()

	cfg.Store.Driver = "cassandra"
	_, err = Open(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestSeedSkipsExistingFlows(t *testing.T) {
	ctx := context.Background()
	graphs, err := DecodeSeed(strings.NewReader(`
flows:
  - id: signal
    title: Signal
    nodes:
      - {id: intake, kind: step, label: Intake}
  - id: plan
    title: Plan
`))
	require.NoError(t, err)
	require.Len(t, graphs, 2)

	store := NewMemoryFlowStore()
	_, err = store.Put(ctx, models.FlowGraph{ID: "plan", Title: "Edited plan"})
	require.NoError(t, err)

	n, err := Seed(ctx, store, graphs, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	plan, err := store.Get(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, "Edited plan", plan.Graph.Title)
	signal, err := store.Get(ctx, "signal")
	require.NoError(t, err)
	assert.Equal(t, "Intake", signal.Graph.Nodes[0].Label)

	n, err = Seed(ctx, store, graphs, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	plan, err = store.Get(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, "Plan", plan.Graph.Title)
	assert.Equal(t, 2, plan.Version)
}

func TestDecodeSeedRequiresIDs(t *testing.T) {
	_, err := DecodeSeed(strings.NewReader("flows:\n  - title: Nameless\n"))
	assert.Error(t, err)
}
