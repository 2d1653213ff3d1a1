// Package bpeerr defines the engine's closed error taxonomy so callers can
// discriminate on a tag rather than string-matching messages.
package bpeerr

import "fmt"

// Kind is the closed set of engine-internal error categories.
type Kind string

const (
	// SpawnFailed means the executor returned nonzero on the spawn command,
	// or stdout did not parse as a PID.
	SpawnFailed Kind = "spawn_failed"
	// TailFailure means N consecutive tail/probe reads failed.
	TailFailure Kind = "tail_failure"
	// ExecutorUnavailable means the executor itself reports disconnection.
	ExecutorUnavailable Kind = "executor_unavailable"
	// NotFound means the operation targeted an unknown ProcessId.
	NotFound Kind = "not_found"
	// NotTerminal means dispose was attempted on a live record.
	NotTerminal Kind = "not_terminal"
	// InvalidArgument means the caller supplied an empty script, a
	// non-absolute cwd, or a non-string env entry.
	InvalidArgument Kind = "invalid_argument"
)

// Error is the engine's error type: a closed Kind plus a human message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
