// Package facts loads the per-run summaries shown next to a running flow.
// Loads may be re-triggered by every push event; only the latest started
// load for a run commits.
package facts

import (
	"context"
	"fmt"

	"flow-studio/backend/internal/latest"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/internal/transport"
	"flow-studio/backend/pkg/models"
)

const (
	familyBoundaryReview = "boundary_review"
	familyInventory      = "inventory"
)

// Reader is the part of transport.Client the loader uses.
type Reader interface {
	Read(ctx context.Context, resource string) (*transport.Result, error)
}

// Loader fetches boundary reviews and inventory counts.
type Loader struct {
	api       Reader
	reviews   *latest.Guard[models.BoundaryReview]
	inventory *latest.Guard[models.InventoryCounts]
}

// NewLoader creates a Loader. Discarded stale responses are counted on
// metrics, which may be nil.
func NewLoader(api Reader, metrics *observability.ClientMetrics) *Loader {
	discard := func(family string) latest.DiscardFunc {
		return func(ctx context.Context, _ string) { metrics.StaleDiscard(ctx, family) }
	}
	return &Loader{
		api:       api,
		reviews:   latest.New[models.BoundaryReview](discard(familyBoundaryReview)),
		inventory: latest.New[models.InventoryCounts](discard(familyInventory)),
	}
}

// BoundaryReview loads the boundary review for runID.
func (l *Loader) BoundaryReview(ctx context.Context, runID string) (models.BoundaryReview, error) {
	return l.reviews.Load(ctx, runID, l.fetchReview(runID))
}

// InventoryCounts loads the artifact inventory for runID.
func (l *Loader) InventoryCounts(ctx context.Context, runID string) (models.InventoryCounts, error) {
	return l.inventory.Load(ctx, runID, l.fetchInventory(runID))
}

// loaded is one settled load. A stale load carries the committed value, which
// is the zero value if nothing has committed yet.
type loaded[T any] struct {
	value  T
	ticket uint64
	stale  bool
}

func load[T any](ctx context.Context, g *latest.Guard[T], key string, fn func(context.Context) (T, error)) (loaded[T], error) {
	ticket := g.Begin(key)
	v, err := fn(ctx)
	out, stale, err := g.Finish(ctx, key, ticket, v, err)
	return loaded[T]{value: out, ticket: ticket, stale: stale}, err
}

func (l *Loader) loadReview(ctx context.Context, runID string) (loaded[models.BoundaryReview], error) {
	return load(ctx, l.reviews, runID, l.fetchReview(runID))
}

func (l *Loader) loadInventory(ctx context.Context, runID string) (loaded[models.InventoryCounts], error) {
	return load(ctx, l.inventory, runID, l.fetchInventory(runID))
}

func (l *Loader) fetchReview(runID string) func(context.Context) (models.BoundaryReview, error) {
	return func(ctx context.Context) (models.BoundaryReview, error) {
		var review models.BoundaryReview
		err := l.fetch(ctx, models.BoundaryReviewPath(runID), &review)
		return review, err
	}
}

func (l *Loader) fetchInventory(runID string) func(context.Context) (models.InventoryCounts, error) {
	return func(ctx context.Context) (models.InventoryCounts, error) {
		var counts models.InventoryCounts
		err := l.fetch(ctx, models.InventoryPath(runID), &counts)
		return counts, err
	}
}

// CachedBoundaryReview returns the last committed review for runID.
func (l *Loader) CachedBoundaryReview(runID string) (models.BoundaryReview, bool) {
	return l.reviews.Cached(runID)
}

// CachedInventoryCounts returns the last committed inventory for runID.
func (l *Loader) CachedInventoryCounts(runID string) (models.InventoryCounts, bool) {
	return l.inventory.Cached(runID)
}

// Forget drops everything cached for runID. Loads still in flight for it
// become stale.
func (l *Loader) Forget(runID string) {
	l.reviews.Forget(runID)
	l.inventory.Forget(runID)
}

func (l *Loader) fetch(ctx context.Context, resource string, v any) error {
	res, err := l.api.Read(ctx, resource)
	if err != nil {
		return err
	}
	if err := res.Decode(v); err != nil {
		return fmt.Errorf("failed to load %s: %w", resource, err)
	}
	return nil
}
