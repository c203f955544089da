package flowdoc

import (
	"context"
	"errors"
	"sync"

	"flow-studio/backend/internal/patch"
	"flow-studio/backend/internal/transport"
)

// Edit owns one document's token for the duration of an edit. Only one Apply
// runs at a time, and a token is never sent twice: each successful write
// adopts the token returned with it, and a conflict discards it.
type Edit struct {
	session *Session
	id      string

	mu       sync.Mutex
	doc      Document
	token    string
	conflict *transport.ConflictError
}

// Begin reads the document and opens an edit on it.
func (s *Session) Begin(ctx context.Context, id string) (*Edit, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Edit{session: s, id: id, doc: *doc, token: doc.Token}, nil
}

// Document returns the last document this edit observed. A conflict does not
// change it; only a successful Apply or Reload does.
func (e *Edit) Document() Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

// Conflict returns the conflict that invalidated the edit, if any.
func (e *Edit) Conflict() *transport.ConflictError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflict
}

// Apply writes ops with the held token.
func (e *Edit) Apply(ctx context.Context, ops []patch.Op) (*Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token == "" {
		return nil, ErrEditStale
	}
	token := e.token
	e.token = ""

	doc, err := e.session.Update(ctx, e.id, ops, token)
	if err != nil {
		if ce, ok := transport.AsConflict(err); ok {
			e.conflict = ce
			return nil, err
		}
		// The token stays usable; if the write did land, the next Apply conflicts.
		if errors.Is(err, transport.ErrTransport) || errors.Is(err, patch.ErrInvalidOp) {
			e.token = token
		}
		return nil, err
	}
	e.doc = *doc
	e.token = doc.Token
	return doc, nil
}

// Reload re-reads the document and re-arms the edit.
func (e *Edit) Reload(ctx context.Context) (*Document, error) {
	doc, err := e.session.Get(ctx, e.id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = *doc
	e.token = doc.Token
	e.conflict = nil
	return doc, nil
}
