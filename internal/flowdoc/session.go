// Package flowdoc implements the optimistic-concurrency edit cycle for shared
// flow graphs: read the graph and its token, compute a patch, write the patch
// with the token. Conflicts are returned to the caller untouched; nothing here
// retries or merges.
package flowdoc

import (
	"context"
	"errors"
	"fmt"

	"flow-studio/backend/internal/patch"
	"flow-studio/backend/internal/transport"
	"flow-studio/backend/pkg/models"
)

// Document is a flow graph together with the token it was read at.
type Document struct {
	Graph models.FlowGraph
	Token string
}

// Store is the subset of the transport client a Session needs.
type Store interface {
	Read(ctx context.Context, resource string) (*transport.Result, error)
	Write(ctx context.Context, resource string, ops []patch.Op, token string) (*transport.Result, error)
}

// Session reads and writes flow graphs.
type Session struct {
	store Store
}

// NewSession creates a Session on top of a transport client.
func NewSession(store Store) *Session {
	return &Session{store: store}
}

// Get reads a flow graph and its token.
func (s *Session) Get(ctx context.Context, id string) (*Document, error) {
	res, err := s.store.Read(ctx, models.FlowPath(id))
	if err != nil {
		return nil, err
	}
	return decode(res)
}

// Update writes ops against the graph version identified by token. On a
// stale token the *transport.ConflictError is returned as is.
func (s *Session) Update(ctx context.Context, id string, ops []patch.Op, token string) (*Document, error) {
	res, err := s.store.Write(ctx, models.FlowPath(id), ops, token)
	if err != nil {
		return nil, err
	}
	return decode(res)
}

// Replace swaps the graph's nodes and edges wholesale, with the same conflict
// semantics as Update.
func (s *Session) Replace(ctx context.Context, id string, graph models.FlowGraph, token string) (*Document, error) {
	nodes := graph.Nodes
	if nodes == nil {
		nodes = []models.Node{}
	}
	edges := graph.Edges
	if edges == nil {
		edges = []models.Edge{}
	}
	return s.Update(ctx, id, []patch.Op{
		patch.ReplaceOp("/nodes", nodes),
		patch.ReplaceOp("/edges", edges),
	}, token)
}

func decode(res *transport.Result) (*Document, error) {
	var g models.FlowGraph
	if err := res.Decode(&g); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("flow %s: response carried no ETag", g.ID)
	}
	return &Document{Graph: g, Token: res.Token}, nil
}

// ErrEditStale is returned by Edit.Apply after a conflict, until Reload.
var ErrEditStale = errors.New("edit token was invalidated by a conflict; reload first")
