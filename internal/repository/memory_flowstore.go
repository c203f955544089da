package repository

import (
	"context"
	"sort"
	"sync"

	"flow-studio/backend/pkg/models"
)

// MemoryFlowStore keeps flows in process memory.
type MemoryFlowStore struct {
	mu    sync.RWMutex
	flows map[string]StoredFlow
}

// NewMemoryFlowStore creates an empty MemoryFlowStore.
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{flows: make(map[string]StoredFlow)}
}

// Get retrieves a flow by its ID.
func (s *MemoryFlowStore) Get(_ context.Context, id string) (*StoredFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &StoredFlow{Graph: cloneGraph(f.Graph), Version: f.Version}, nil
}

// List returns every flow ordered by ID.
func (s *MemoryFlowStore) List(_ context.Context) ([]models.FlowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowSummary, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores graph unconditionally.
func (s *MemoryFlowStore) Put(_ context.Context, graph models.FlowGraph) (*StoredFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.flows[graph.ID].Version + 1
	return s.storeLocked(graph, version), nil
}

// Swap replaces the flow if its version is still expected.
func (s *MemoryFlowStore) Swap(_ context.Context, expected int, graph models.FlowGraph) (*StoredFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.flows[graph.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != expected {
		return nil, &VersionMismatchError{Expected: expected, Current: &StoredFlow{Graph: cloneGraph(cur.Graph), Version: cur.Version}}
	}
	return s.storeLocked(graph, expected+1), nil
}

// Close is a no-op.
func (s *MemoryFlowStore) Close() error { return nil }

func (s *MemoryFlowStore) storeLocked(graph models.FlowGraph, version int) *StoredFlow {
	graph = normalize(graph)
	f := StoredFlow{Graph: cloneGraph(graph), Version: version}
	s.flows[graph.ID] = f
	return &StoredFlow{Graph: cloneGraph(graph), Version: version}
}
