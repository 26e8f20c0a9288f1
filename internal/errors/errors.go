// Package errors provides the error vocabulary shared by the supervisor.
//
// Two categories matter to the poll loop:
//
//   - Store faults ([StoreError]) are unrecoverable local I/O failures on the
//     tracker or the completion store. They abort the current iteration; the
//     next tick retries from persisted state.
//   - Work item faults ([WorkItemError]) are confined to one work item. The
//     batch logs them and moves on.
//
// Checking errors:
//
//	if errors.IsStoreFault(err) { ... }
//
//	var wi *errors.WorkItemError
//	if errors.As(err, &wi) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers need a single import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors
var (
	// ErrUnknownBackend is returned when a configured storage backend name
	// is not recognised.
	ErrUnknownBackend = New("unknown storage backend")
	// ErrTrackerUnavailable indicates the launched-agents tracker could not
	// be read or written.
	ErrTrackerUnavailable = New("launched-agents tracker unavailable")
	// ErrCompletionMismatch is returned by a workflow decider when a
	// completion's role does not match the step the workflow is running.
	ErrCompletionMismatch = New("completion does not match running step")
	// ErrInvalidWorkItem indicates an empty or malformed work item id.
	ErrInvalidWorkItem = New("invalid work item id")
	// ErrNoLauncher is returned when no launcher tool remains after exclusions.
	ErrNoLauncher = New("no launcher tool available")
)

// StoreError wraps an I/O failure of a durable store.
//
// Example:
//
//	return errors.NewStoreError("save", "file", err).WithPath(path)
type StoreError struct {
	Op      string
	Backend string
	Path    string
	cause   error
}

// NewStoreError creates a StoreError for the given operation and backend.
func NewStoreError(op, backend string, cause error) *StoreError {
	return &StoreError{Op: op, Backend: backend, cause: cause}
}

// WithPath records the file or DSN involved.
func (e *StoreError) WithPath(path string) *StoreError {
	e.Path = path
	return e
}

// Error returns the formatted message.
func (e *StoreError) Error() string {
	parts := []string{"op=" + e.Op}
	if e.Backend != "" {
		parts = append(parts, "backend="+e.Backend)
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	msg := fmt.Sprintf("store error [%s]", strings.Join(parts, ", "))
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error { return e.cause }

// WorkItemError scopes a failure to a single work item.
type WorkItemError struct {
	WorkItemID string
	Stage      string
	cause      error
}

// NewWorkItemError creates a WorkItemError.
func NewWorkItemError(workItemID, stage string, cause error) *WorkItemError {
	return &WorkItemError{WorkItemID: workItemID, Stage: stage, cause: cause}
}

// Error returns the formatted message.
func (e *WorkItemError) Error() string {
	msg := fmt.Sprintf("work item %s: %s", e.WorkItemID, e.Stage)
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *WorkItemError) Unwrap() error { return e.cause }

// IsStoreFault reports whether err is (or wraps) a StoreError or
// ErrTrackerUnavailable. Such errors abort the current iteration.
func IsStoreFault(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	return As(err, &se) || Is(err, ErrTrackerUnavailable)
}
