package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"flow-studio/backend/internal/transport"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The run failed or the server could not be reached
	ExitCommandError = 2 // Bad arguments or an action the run does not allow
	ExitConflict     = 3 // The resource was changed elsewhere
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// conflictResponse is printed in JSON mode when a write conflicts.
type conflictResponse struct {
	Status   string          `json:"status"`
	Resource string          `json:"resource"`
	Token    string          `json:"token"`
	Current  json.RawMessage `json:"current,omitempty"`
}

// reportConflict tells the user that what they edited changed elsewhere and
// returns the matching exit error. Nothing is retried.
func reportConflict(opts *RootOptions, out, errOut io.Writer, what string, ce *transport.ConflictError) error {
	if opts.Format == "json" {
		_ = writeJSON(out, conflictResponse{Status: "conflict", Resource: ce.Resource, Token: ce.Token, Current: ce.Snapshot})
	} else {
		fmt.Fprintf(errOut, "%s changed elsewhere; current token is %s. Reload and apply your change again.\n", what, ce.Token)
	}
	return WrapExitError(ExitConflict, what+" changed elsewhere", ce)
}

// requestError maps a client error onto an exit code.
func requestError(opts *RootOptions, out, errOut io.Writer, what string, err error) error {
	if ce, ok := transport.AsConflict(err); ok {
		return reportConflict(opts, out, errOut, what, ce)
	}
	var te *transport.TransportError
	if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
		return WrapExitError(ExitCommandError, what, err)
	}
	return WrapExitError(ExitFailure, what, err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// marshalLine encodes v as one line of JSON.
func marshalLine(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
