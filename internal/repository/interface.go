package repository

import (
	"context"
	"errors"
	"fmt"

	"flow-studio/backend/pkg/models"
)

var (
	// ErrNotFound is returned when no flow has the requested ID.
	ErrNotFound = errors.New("flow not found")
	// ErrVersionMismatch matches every *VersionMismatchError.
	ErrVersionMismatch = errors.New("flow version mismatch")
)

// StoredFlow is a flow graph together with its version. The version starts
// at 1 and grows by one on every write.
type StoredFlow struct {
	Graph   models.FlowGraph
	Version int
}

// ETag returns the concurrency token for this version of the flow.
func (f *StoredFlow) ETag() string {
	return ETag(f.Graph.ID, f.Version)
}

// Summary returns the list entry for the flow.
func (f *StoredFlow) Summary() models.FlowSummary {
	return models.FlowSummary{ID: f.Graph.ID, Title: f.Graph.Title, ETag: f.ETag(), UpdatedAt: f.Graph.UpdatedAt}
}

// ETag formats the concurrency token for version of flow id.
func ETag(id string, version int) string {
	return models.VersionTag(id, version)
}

// VersionMismatchError reports a write whose expected version was not the
// current one. Current is the flow as it is now.
type VersionMismatchError struct {
	Expected int
	Current  *StoredFlow
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("flow %s: expected version %d, current is %d", e.Current.Graph.ID, e.Expected, e.Current.Version)
}

// Is makes errors.Is(err, ErrVersionMismatch) true.
func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// FlowStore persists flow graphs.
type FlowStore interface {
	// Get retrieves a flow by its ID.
	Get(ctx context.Context, id string) (*StoredFlow, error)
	// List returns a summary of every flow, ordered by ID.
	List(ctx context.Context) ([]models.FlowSummary, error)
	// Put stores graph unconditionally, creating it at version 1 or bumping
	// the version of an existing flow.
	Put(ctx context.Context, graph models.FlowGraph) (*StoredFlow, error)
	// Swap replaces the flow only if its current version is expected.
	// Otherwise it returns a *VersionMismatchError.
	Swap(ctx context.Context, expected int, graph models.FlowGraph) (*StoredFlow, error)
	// Close releases the store's resources.
	Close() error
}
