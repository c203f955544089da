package facts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/transport"
	"flow-studio/backend/pkg/models"
)

// gatedServer answers the nth inventory request once gates[n] is closed and
// stamps it with revision n+1.
type gatedServer struct {
	calls atomic.Int32
	gates []chan struct{}
}

func (g *gatedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(g.calls.Add(1)) - 1
	if n < len(g.gates) {
		<-g.gates[n]
	}
	w.Header().Set("ETag", `"inv"`)
	_ = json.NewEncoder(w).Encode(models.InventoryCounts{RunID: "r1", Total: n + 1, Revision: n + 1})
}

func newGated(t *testing.T, n int) (*gatedServer, *Loader) {
	t.Helper()
	g := &gatedServer{}
	for i := 0; i < n; i++ {
		g.gates = append(g.gates, make(chan struct{}))
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, NewLoader(transport.NewClient(srv.URL), nil)
}

func TestOlderResponseArrivingLateIsDiscarded(t *testing.T) {
	g, loader := newGated(t, 2)
	ctx := context.Background()

	first := make(chan models.InventoryCounts, 1)
	go func() {
		v, err := loader.InventoryCounts(ctx, "r1")
		assert.NoError(t, err)
		first <- v
	}()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan models.InventoryCounts, 1)
	go func() {
		v, err := loader.InventoryCounts(ctx, "r1")
		assert.NoError(t, err)
		second <- v
	}()
	require.Eventually(t, func() bool { return g.calls.Load() == 2 }, time.Second, time.Millisecond)

	close(g.gates[1])
	assert.Equal(t, 2, (<-second).Revision)

	close(g.gates[0])
	assert.Equal(t, 2, (<-first).Revision, "stale load returns the committed value")

	cached, ok := loader.CachedInventoryCounts("r1")
	require.True(t, ok)
	assert.Equal(t, 2, cached.Revision)
}

func TestOlderResponseArrivingFirstIsDiscarded(t *testing.T) {
	g, loader := newGated(t, 2)
	ctx := context.Background()

	first := make(chan models.InventoryCounts, 1)
	go func() {
		v, _ := loader.InventoryCounts(ctx, "r1")
		first <- v
	}()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan models.InventoryCounts, 1)
	go func() {
		v, _ := loader.InventoryCounts(ctx, "r1")
		second <- v
	}()
	require.Eventually(t, func() bool { return g.calls.Load() == 2 }, time.Second, time.Millisecond)

	close(g.gates[0])
	<-first
	_, ok := loader.CachedInventoryCounts("r1")
	assert.False(t, ok, "the older load must not commit")

	close(g.gates[1])
	assert.Equal(t, 2, (<-second).Revision)
	cached, _ := loader.CachedInventoryCounts("r1")
	assert.Equal(t, 2, cached.Revision)
}

func TestBoundaryReviewFailureKeepsCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, models.BoundaryReviewPath("r1"), r.URL.Path)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(models.BoundaryReview{RunID: "r1", Violations: []string{"wrote outside workspace"}, Revision: 1})
	}))
	t.Cleanup(srv.Close)

	loader := NewLoader(transport.NewClient(srv.URL), nil)
	review, err := loader.BoundaryReview(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, review.Violations, 1)

	fail.Store(true)
	_, err = loader.BoundaryReview(context.Background(), "r1")
	assert.ErrorIs(t, err, transport.ErrTransport)

	cached, ok := loader.CachedBoundaryReview("r1")
	require.True(t, ok)
	assert.Equal(t, 1, cached.Revision)

	loader.Forget("r1")
	_, ok = loader.CachedBoundaryReview("r1")
	assert.False(t, ok)
}

func TestRefresherReloadsOnEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case models.InventoryPath("r1"):
			_ = json.NewEncoder(w).Encode(models.InventoryCounts{RunID: "r1", Total: 3})
		case models.BoundaryReviewPath("r1"):
			_ = json.NewEncoder(w).Encode(models.BoundaryReview{RunID: "r1", Decisions: 2})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	var (
		mu        sync.Mutex
		reviews   []models.BoundaryReview
		inventory []models.InventoryCounts
	)
	r := NewRefresher(context.Background(), NewLoader(transport.NewClient(srv.URL), nil), nil)
	r.OnReview = func(v models.BoundaryReview) { mu.Lock(); reviews = append(reviews, v); mu.Unlock() }
	r.OnInventory = func(v models.InventoryCounts) { mu.Lock(); inventory = append(inventory, v); mu.Unlock() }

	r.OnRunEvent(events.FromEnvelope(events.Envelope{Kind: events.KindArtifactCreated, RunID: "r1"}))
	r.OnRunEvent(events.FromEnvelope(events.Envelope{Kind: events.KindFlowCompleted, RunID: "r1", FlowKey: "signal"}))
	r.OnRunEvent(events.FromEnvelope(events.Envelope{Kind: events.KindHeartbeat, RunID: "r1"}))

	// The two inventory loads may overlap, in which case only the later one
	// is reported.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reviews) == 1 && len(inventory) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, reviews[0].Decisions)
	for _, v := range inventory {
		assert.Equal(t, 3, v.Total)
	}
}

func TestRefresherReportsOnlyTheLatestLoad(t *testing.T) {
	g, loader := newGated(t, 2)

	var (
		mu   sync.Mutex
		seen []models.InventoryCounts
	)
	seenCopy := func() []models.InventoryCounts {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.InventoryCounts(nil), seen...)
	}
	r := NewRefresher(context.Background(), loader, nil)
	r.OnInventory = func(v models.InventoryCounts) { mu.Lock(); seen = append(seen, v); mu.Unlock() }

	artifact := events.FromEnvelope(events.Envelope{Kind: events.KindArtifactCreated, RunID: "r1"})
	r.OnRunEvent(artifact)
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)
	r.OnRunEvent(artifact)
	require.Eventually(t, func() bool { return g.calls.Load() == 2 }, time.Second, time.Millisecond)

	// The older load settles first while nothing is committed yet.
	close(g.gates[0])
	assert.Never(t, func() bool { return len(seenCopy()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	close(g.gates[1])
	require.Eventually(t, func() bool { return len(seenCopy()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, seenCopy()[0].Revision)
	assert.Equal(t, "r1", seenCopy()[0].RunID)
	assert.Never(t, func() bool { return len(seenCopy()) != 1 }, 100*time.Millisecond, 5*time.Millisecond)
}
