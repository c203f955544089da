// Package latest implements the latest-wins guard for reloadable loads.
//
// Each load takes a ticket from a per-key counter when it starts. When it
// finishes it commits only if no newer load for the same key has started in
// the meantime; otherwise its result is dropped and the last committed value
// is returned. The decision is by start order, not completion order, and no
// in-flight request is cancelled.
package latest

import (
	"context"
	"sync"
)

// DiscardFunc is told about every dropped result.
type DiscardFunc func(ctx context.Context, key string)

// Guard coalesces loads per resource key.
type Guard[T any] struct {
	mu        sync.Mutex
	counters  map[string]uint64
	committed map[string]T
	onDiscard DiscardFunc
}

// New creates a Guard. onDiscard may be nil.
func New[T any](onDiscard DiscardFunc) *Guard[T] {
	return &Guard[T]{
		counters:  map[string]uint64{},
		committed: map[string]T{},
		onDiscard: onDiscard,
	}
}

// Begin takes a ticket for key. Most callers use Load instead.
func (g *Guard[T]) Begin(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[key]++
	return g.counters[key]
}

// Finish settles a load started with Begin. If ticket is still the newest for
// key and err is nil, value is committed and returned. If a newer load has
// started, the committed value is returned with a nil error and stale set.
func (g *Guard[T]) Finish(ctx context.Context, key string, ticket uint64, value T, err error) (result T, stale bool, outErr error) {
	g.mu.Lock()
	if g.counters[key] != ticket {
		prev := g.committed[key]
		g.mu.Unlock()
		if g.onDiscard != nil {
			g.onDiscard(ctx, key)
		}
		return prev, true, nil
	}
	if err != nil {
		g.mu.Unlock()
		var zero T
		return zero, false, err
	}
	g.committed[key] = value
	g.mu.Unlock()
	return value, false, nil
}

// Load runs fn under the guard.
func (g *Guard[T]) Load(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	ticket := g.Begin(key)
	v, err := fn(ctx)
	out, _, err := g.Finish(ctx, key, ticket, v, err)
	return out, err
}

// Cached returns the committed value for key.
func (g *Guard[T]) Cached(key string) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.committed[key]
	return v, ok
}

// Forget drops the committed value for key. Loads already in flight become
// stale.
func (g *Guard[T]) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[key]++
	delete(g.committed, key)
}
