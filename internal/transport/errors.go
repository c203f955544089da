package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConflict matches every *ConflictError with errors.Is.
	ErrConflict = errors.New("conflict")
	// ErrTransport matches every *TransportError with errors.Is.
	ErrTransport = errors.New("transport failure")
	// ErrMissingToken is returned by Write when no concurrency token is given.
	ErrMissingToken = errors.New("write requires a concurrency token")
)

// ConflictError reports that a write was rejected because the supplied token
// no longer matches the server's current version. It is expected under
// concurrent editing: the caller reloads, re-applies, or asks the user.
type ConflictError struct {
	Resource string
	// Token is the server's current concurrency token.
	Token string
	// Snapshot is the server's current representation of the resource.
	Snapshot json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: changed elsewhere (current token %s)", e.Resource, e.Token)
}

// Is makes errors.Is(err, ErrConflict) true.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransportError covers network failures and every non-success status other
// than 412.
type TransportError struct {
	Method     string
	Resource   string
	StatusCode int // zero when no response was received
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Resource, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Resource, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Resource, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// AsConflict returns the *ConflictError in err's chain, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
