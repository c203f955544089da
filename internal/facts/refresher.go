package facts

import (
	"context"
	"sync"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/runcontrol"
	"flow-studio/backend/pkg/models"
)

// Refresher reloads facts when run events suggest they changed. Attach it to
// a runcontrol.Controller as its Observer.
type Refresher struct {
	runcontrol.BaseObserver

	ctx    context.Context
	loader *Loader
	logger *logging.Logger

	// OnReview and OnInventory receive committed values only, one at a time
	// and in load start order. Stale loads are not reported.
	OnReview    func(models.BoundaryReview)
	OnInventory func(models.InventoryCounts)

	mu        sync.Mutex
	delivered map[string]uint64
}

// NewRefresher creates a Refresher whose loads run under ctx.
func NewRefresher(ctx context.Context, loader *Loader, logger *logging.Logger) *Refresher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Refresher{ctx: ctx, loader: loader, logger: logger, delivered: map[string]uint64{}}
}

// OnRunEvent starts the loads an event calls for. Each runs on its own
// goroutine; the loader discards whichever finish out of order.
func (r *Refresher) OnRunEvent(ev events.Event) {
	runID := ev.RunID()
	if runID == "" {
		return
	}
	switch ev.(type) {
	case events.ArtifactCreated, events.StepEnded:
		go r.refreshInventory(runID)
	case events.FlowCompleted, events.PlanCompleted, events.Completed:
		go r.refreshInventory(runID)
		go r.refreshReview(runID)
	}
}

func (r *Refresher) refreshInventory(runID string) {
	res, err := r.loader.loadInventory(r.ctx, runID)
	if err != nil {
		r.logger.Warn("inventory refresh failed", "run_id", runID, "error", err)
		return
	}
	if res.stale || r.OnInventory == nil {
		return
	}
	r.report(familyInventory+"/"+runID, res.ticket, func() { r.OnInventory(res.value) })
}

func (r *Refresher) refreshReview(runID string) {
	res, err := r.loader.loadReview(r.ctx, runID)
	if err != nil {
		r.logger.Warn("boundary review refresh failed", "run_id", runID, "error", err)
		return
	}
	if res.stale || r.OnReview == nil {
		return
	}
	r.report(familyBoundaryReview+"/"+runID, res.ticket, func() { r.OnReview(res.value) })
}

// report calls fn unless a load started later has already been reported.
func (r *Refresher) report(key string, ticket uint64, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticket <= r.delivered[key] {
		return
	}
	r.delivered[key] = ticket
	fn()
}
