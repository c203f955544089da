package runs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/internal/stream"
	"flow-studio/backend/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	opened []string
	sent   []events.Envelope
}

func (p *recordingPublisher) Open(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, runID)
}

func (p *recordingPublisher) Publish(env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.sent))
	for _, env := range p.sent {
		out = append(out, env.Kind)
	}
	return out
}

func newRegistry(t *testing.T) (*Registry, *recordingPublisher, *observability.ServerMetrics) {
	t.Helper()
	pub := &recordingPublisher{}
	metrics := observability.NewServerMetrics(prometheus.NewRegistry())
	return NewRegistry(pub, metrics, nil), pub, metrics
}

func TestStartCreatesRunningRun(t *testing.T) {
	reg, pub, _ := newRegistry(t)
	ctx := context.Background()

	run, err := reg.Start(ctx, models.StartRunRequest{FlowKeys: []string{"signal", "plan"}})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, 1, run.Version)
	assert.Equal(t, "signal", run.CurrentFlow)
	assert.Equal(t, []string{}, run.CompletedFlows)
	assert.Equal(t, []string{run.ID}, pub.opened)
	assert.Equal(t, []events.Kind{events.KindRunStart}, pub.kinds())

	single, err := reg.Start(ctx, models.StartRunRequest{FlowKey: "build"})
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, single.FlowKeys)

	_, err = reg.Start(ctx, models.StartRunRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, reg.List(ctx), 2)
}

func TestTransitionsCheckStatusAndVersion(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	run, err := reg.Start(ctx, models.StartRunRequest{FlowKey: "plan"})
	require.NoError(t, err)

	_, err = reg.Resume(ctx, run.ID, 0)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	paused, err := reg.Pause(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunPaused, paused.Status)
	assert.Equal(t, 2, paused.Version)

	current, err := reg.Resume(ctx, run.ID, 1)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, 2, current.Version)

	stopped, err := reg.Stop(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, stopped.Status)
	assert.Empty(t, stopped.Error)

	_, err = reg.Stop(ctx, run.ID, 0)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = reg.Pause(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestFoldsEventsWithoutBumpingVersion(t *testing.T) {
	reg, pub, _ := newRegistry(t)
	ctx := context.Background()
	run, err := reg.Start(ctx, models.StartRunRequest{FlowKeys: []string{"signal", "plan"}})
	require.NoError(t, err)

	steps := []events.Envelope{
		{Kind: events.KindStepStart, RunID: run.ID, FlowKey: "signal", StepID: "collect"},
		{Kind: events.KindArtifactCreated, RunID: run.ID, FlowKey: "signal", Payload: map[string]any{"path": "signal/brief.md"}},
		{Kind: events.KindStepEnd, RunID: run.ID, Payload: map[string]any{"progress": float64(50), "decision": true}},
		{Kind: events.KindFlowCompleted, RunID: run.ID, FlowKey: "signal"},
		{Kind: events.KindFlowCompleted, RunID: run.ID, FlowKey: "signal"},
		{Kind: events.KindLLMToken, RunID: run.ID, Payload: map[string]any{"violation": "wrote outside workspace"}},
	}
	for _, env := range steps {
		_, err := reg.Ingest(ctx, env)
		require.NoError(t, err)
	}

	got, err := reg.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "collect", got.CurrentStep)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, []string{"signal"}, got.CompletedFlows)

	inv, err := reg.InventoryCounts(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Artifacts["signal"])
	assert.Equal(t, 1, inv.Total)

	review, err := reg.BoundaryReview(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"wrote outside workspace"}, review.Violations)
	assert.Equal(t, 1, review.Decisions)
	assert.Equal(t, 2, review.Revision)

	_, err = reg.Ingest(ctx, events.Envelope{Kind: events.KindPlanCompleted, RunID: run.ID})
	require.NoError(t, err)
	got, _ = reg.Get(ctx, run.ID)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	_, err = reg.Ingest(ctx, events.Envelope{Kind: events.KindStepStart, RunID: run.ID})
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = reg.Ingest(ctx, events.Envelope{Kind: events.KindStepStart, RunID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Ingest(ctx, events.Envelope{RunID: run.ID})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Len(t, pub.kinds(), 1+len(steps)+1)
}

func TestIngestErrorFailsRun(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	run, err := reg.Start(ctx, models.StartRunRequest{FlowKey: "gate"})
	require.NoError(t, err)

	_, err = reg.Ingest(ctx, events.Envelope{Kind: events.KindError, RunID: run.ID, Payload: map[string]any{"error": "gate rejected"}})
	require.NoError(t, err)

	got, _ := reg.Get(ctx, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "gate rejected", got.Error)
}

func TestRunETagRoundTrips(t *testing.T) {
	tag := ETag(models.Run{ID: "abc", Version: 7})
	v, ok := models.ParseVersionTag("abc", tag)
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = models.ParseVersionTag("abc", "other-v7")
	assert.False(t, ok)
	_, ok = models.ParseVersionTag("abc", "abc-vx")
	assert.False(t, ok)
}

func TestBroadcasterDeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	reg := NewRegistry(b, nil, nil)
	ctx := context.Background()

	run, err := reg.Start(ctx, models.StartRunRequest{FlowKey: "signal"})
	require.NoError(t, err)
	assert.True(t, b.Exists(run.ID))

	mux := http.NewServeMux()
	mux.Handle(models.RunStreamPath(run.ID), b)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(b.Close)

	sub := stream.NewSubscriber(ts.URL)
	t.Cleanup(sub.Close)

	var (
		mu  sync.Mutex
		got []events.Event
	)
	unsub := sub.Subscribe(run.ID, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsub()

	_, err = reg.Ingest(ctx, events.Envelope{Kind: events.KindFlowCompleted, RunID: run.ID, FlowKey: "signal"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.IsType(t, events.RunStarted{}, got[0])
	fc, ok := got[1].(events.FlowCompleted)
	require.True(t, ok)
	assert.Equal(t, "signal", fc.FlowKey)
	assert.Equal(t, run.ID, fc.RunID())

	assert.Error(t, b.Publish(events.Envelope{Kind: events.KindHeartbeat, RunID: "unknown"}))
}
