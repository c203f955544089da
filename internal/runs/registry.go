// Package runs is the server-side run registry: it creates runs, applies
// control actions with version checks, and folds host events into run state
// before fanning them out.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/pkg/models"
)

var (
	// ErrNotFound is returned for an unknown run ID.
	ErrNotFound = errors.New("run not found")
	// ErrIllegalTransition is returned when an action does not apply to the
	// run's current status.
	ErrIllegalTransition = errors.New("illegal run transition")
	// ErrVersionMismatch is returned when a supplied token is not current.
	ErrVersionMismatch = errors.New("run version mismatch")
	// ErrInvalidRequest is returned for a start request without flows.
	ErrInvalidRequest = errors.New("invalid run request")
)

// ETag formats the concurrency token of a run version.
func ETag(run models.Run) string {
	return models.VersionTag(run.ID, run.Version)
}

type entry struct {
	run       models.Run
	review    models.BoundaryReview
	inventory models.InventoryCounts
}

// Registry holds every run in memory.
type Registry struct {
	publisher Publisher
	metrics   *observability.ServerMetrics
	logger    *logging.Logger
	now       func() time.Time

	mu   sync.RWMutex
	runs map[string]*entry
}

// NewRegistry creates a Registry. metrics may be nil.
func NewRegistry(publisher Publisher, metrics *observability.ServerMetrics, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		runs:      make(map[string]*entry),
	}
}

// Start creates a running run for the requested flows.
func (r *Registry) Start(ctx context.Context, req models.StartRunRequest) (models.Run, error) {
	keys := append([]string{}, req.FlowKeys...)
	if len(keys) == 0 && req.FlowKey != "" {
		keys = []string{req.FlowKey}
	}
	if len(keys) == 0 {
		return models.Run{}, fmt.Errorf("%w: flow_key or flow_keys is required", ErrInvalidRequest)
	}

	now := r.now().UTC()
	id := uuid.New().String()
	run := models.Run{
		ID:             id,
		Status:         models.RunRunning,
		FlowKeys:       keys,
		PlanID:         req.PlanID,
		CurrentFlow:    keys[0],
		CompletedFlows: []string{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.mu.Lock()
	r.runs[id] = &entry{
		run:       run,
		review:    models.BoundaryReview{RunID: id, Violations: []string{}},
		inventory: models.InventoryCounts{RunID: id, Artifacts: map[string]int{}},
	}
	active := r.activeLocked()
	r.mu.Unlock()

	r.publisher.Open(id)
	r.metrics.SetActiveRuns(active)
	r.logger.Info("run started", "run_id", id, "flows", strings.Join(keys, ","), "plan_id", req.PlanID)
	r.publish(events.Envelope{Kind: events.KindRunStart, Timestamp: now, RunID: id, FlowKey: keys[0]})
	return cloneRun(run), nil
}

// Get returns a run by ID.
func (r *Registry) Get(_ context.Context, id string) (models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return cloneRun(e.run), nil
}

// List returns every run, newest first.
func (r *Registry) List(_ context.Context) []models.Run {
	r.mu.RLock()
	out := make([]models.Run, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, cloneRun(e.run))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pause pauses a running run. A non-zero expected version must match.
func (r *Registry) Pause(ctx context.Context, id string, expected int) (models.Run, error) {
	return r.transition(id, expected, "pause", models.RunPaused, models.RunRunning)
}

// Resume resumes a paused run.
func (r *Registry) Resume(ctx context.Context, id string, expected int) (models.Run, error) {
	return r.transition(id, expected, "resume", models.RunRunning, models.RunPaused)
}

// Stop ends a running or paused run without an error.
func (r *Registry) Stop(ctx context.Context, id string, expected int) (models.Run, error) {
	return r.transition(id, expected, "stop", models.RunStopped, models.RunRunning, models.RunPaused)
}

func (r *Registry) transition(id string, expected int, action string, to models.RunStatus, from ...models.RunStatus) (models.Run, error) {
	r.mu.Lock()
	e, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return models.Run{}, ErrNotFound
	}
	if expected != 0 && expected != e.run.Version {
		run := cloneRun(e.run)
		r.mu.Unlock()
		r.metrics.RunAction(action, "conflict")
		return run, ErrVersionMismatch
	}
	allowed := false
	for _, s := range from {
		if e.run.Status == s {
			allowed = true
		}
	}
	if !allowed {
		status := e.run.Status
		r.mu.Unlock()
		r.metrics.RunAction(action, "rejected")
		return models.Run{}, fmt.Errorf("%w: cannot %s a %s run", ErrIllegalTransition, action, status)
	}
	e.run.Status = to
	e.run.Version++
	e.run.UpdatedAt = r.now().UTC()
	if to == models.RunStopped {
		e.run.Error = ""
	}
	run := cloneRun(e.run)
	active := r.activeLocked()
	r.mu.Unlock()

	r.metrics.RunAction(action, "ok")
	r.metrics.SetActiveRuns(active)
	r.logger.Info("run "+action, "run_id", id, "version", run.Version)
	return run, nil
}

// Ingest folds a host event into its run and publishes it. Event ingestion
// does not change the run's version, so tokens held by clients stay valid.
func (r *Registry) Ingest(_ context.Context, env events.Envelope) (models.Run, error) {
	env.Normalize(r.now())
	if err := env.Validate(); err != nil {
		return models.Run{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	r.mu.Lock()
	e, ok := r.runs[env.RunID]
	if !ok {
		r.mu.Unlock()
		return models.Run{}, ErrNotFound
	}
	if e.run.Status.Terminal() {
		status := e.run.Status
		r.mu.Unlock()
		return models.Run{}, fmt.Errorf("%w: run is %s", ErrIllegalTransition, status)
	}
	apply(e, events.FromEnvelope(env))
	e.run.UpdatedAt = env.Timestamp
	run := cloneRun(e.run)
	active := r.activeLocked()
	r.mu.Unlock()

	r.metrics.RunEvent(string(env.Kind))
	r.metrics.SetActiveRuns(active)
	r.publish(env)
	return run, nil
}

// BoundaryReview returns the boundary review of a run.
func (r *Registry) BoundaryReview(_ context.Context, id string) (models.BoundaryReview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return models.BoundaryReview{}, ErrNotFound
	}
	review := e.review
	review.Violations = append([]string{}, e.review.Violations...)
	return review, nil
}

// InventoryCounts returns the artifact inventory of a run.
func (r *Registry) InventoryCounts(_ context.Context, id string) (models.InventoryCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return models.InventoryCounts{}, ErrNotFound
	}
	inv := e.inventory
	inv.Artifacts = make(map[string]int, len(e.inventory.Artifacts))
	for k, v := range e.inventory.Artifacts {
		inv.Artifacts[k] = v
	}
	return inv, nil
}

func (r *Registry) publish(env events.Envelope) {
	if err := r.publisher.Publish(env); err != nil {
		r.logger.Warn("failed to publish run event", "run_id", env.RunID, "kind", env.Kind, "error", err)
	}
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.runs {
		if !e.run.Status.Terminal() {
			n++
		}
	}
	return n
}

// apply folds one event into a run entry.
func apply(e *entry, ev events.Event) {
	env := ev.Envelope()
	switch v := ev.(type) {
	case events.FlowStarted:
		if v.FlowKey != "" {
			e.run.CurrentFlow = v.FlowKey
		}
	case events.StepStarted:
		e.run.CurrentStep = v.StepID
		if v.FlowKey != "" {
			e.run.CurrentFlow = v.FlowKey
		}
	case events.StepEnded:
		if p, ok := v.Progress(); ok {
			e.run.Progress = min(max(p, 0), 100)
		}
	case events.FlowCompleted:
		if v.FlowKey != "" && !contains(e.run.CompletedFlows, v.FlowKey) {
			e.run.CompletedFlows = append(e.run.CompletedFlows, v.FlowKey)
		}
	case events.ArtifactCreated:
		key := v.FlowKey
		if key == "" {
			key = e.run.CurrentFlow
		}
		e.inventory.Artifacts[key]++
		e.inventory.Total++
		e.inventory.Revision++
	case events.PlanCompleted, events.Completed:
		e.run.Status = models.RunCompleted
		e.run.Progress = 100
	case events.Failed:
		e.run.Status = models.RunFailed
		e.run.Error = v.Message
	}

	touched := false
	if s := env.PayloadString("violation"); s != "" {
		e.review.Violations = append(e.review.Violations, s)
		touched = true
	}
	if b, _ := env.Payload["assumption"].(bool); b {
		e.review.Assumptions++
		touched = true
	}
	if b, _ := env.Payload["decision"].(bool); b {
		e.review.Decisions++
		touched = true
	}
	if touched {
		e.review.Revision++
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneRun(run models.Run) models.Run {
	run.FlowKeys = append([]string{}, run.FlowKeys...)
	run.CompletedFlows = append([]string{}, run.CompletedFlows...)
	return run
}
