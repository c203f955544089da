// Package patch defines the ordered patch operations clients send to edit a
// shared flow graph, and their atomic application on the server.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

var (
	// ErrInvalidOp is returned when an operation fails validation.
	ErrInvalidOp = errors.New("invalid patch operation")
	// ErrNotApplicable is returned when a valid patch cannot be applied to the document.
	ErrNotApplicable = errors.New("patch does not apply")
)

// Kind names a patch operation.
type Kind string

const (
	Replace Kind = "replace"
	Add     Kind = "add"
	Remove  Kind = "remove"
)

// Op is a single patch operation. Value is ignored for Remove.
type Op struct {
	Op    Kind   `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// ReplaceOp builds a replace operation.
func ReplaceOp(path string, value any) Op { return Op{Op: Replace, Path: path, Value: value} }

// AddOp builds an add operation.
func AddOp(path string, value any) Op { return Op{Op: Add, Path: path, Value: value} }

// RemoveOp builds a remove operation.
func RemoveOp(path string) Op { return Op{Op: Remove, Path: path} }

// Validate checks every operation in order and reports the first bad one.
func Validate(ops []Op) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty patch", ErrInvalidOp)
	}
	for i, op := range ops {
		if err := op.validate(); err != nil {
			return fmt.Errorf("%w: op %d: %s", ErrInvalidOp, i, err.Error())
		}
	}
	return nil
}

func (o Op) validate() error {
	switch o.Op {
	case Replace, Add:
		if o.Value == nil {
			return fmt.Errorf("%s %q requires a value", o.Op, o.Path)
		}
	case Remove:
	default:
		return fmt.Errorf("unsupported op %q", o.Op)
	}
	if !strings.HasPrefix(o.Path, "/") {
		return fmt.Errorf("path %q must start with '/'", o.Path)
	}
	return nil
}

// Touches reports whether any operation targets path or something below it.
func Touches(ops []Op, path string) bool {
	for _, op := range ops {
		if op.Path == path || strings.HasPrefix(op.Path, path+"/") {
			return true
		}
	}
	return false
}

// Apply validates ops and applies them in order to doc. The input is never
// modified; on any failure no partial result is returned.
func Apply(doc []byte, ops []Op) ([]byte, error) {
	if err := Validate(ops); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOp, err.Error())
	}
	out, err := p.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotApplicable, err.Error())
	}
	return out, nil
}
