// Package errs defines the closed error taxonomy shared by every engine.
//
// Errors carry a Kind (a stable, transport-mappable category), the operation
// that produced them, and an optional wrapped cause. Transports map kinds to
// protocol codes; the core never retries.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes an error for callers and transports.
type Kind string

const (
	// NotFound means a referenced id does not exist.
	NotFound Kind = "NotFound"

	// AlreadyExists means a uniqueness constraint was violated.
	AlreadyExists Kind = "AlreadyExists"

	// InvalidArgument means a shape, format, or range violation.
	InvalidArgument Kind = "InvalidArgument"

	// PreconditionFailed means a state-machine violation, such as merging
	// an archived branch.
	PreconditionFailed Kind = "PreconditionFailed"

	// ResourceExhausted means a bound was exceeded (limit, rate).
	ResourceExhausted Kind = "ResourceExhausted"

	// Unavailable means storage or a provider is transiently down.
	Unavailable Kind = "Unavailable"

	// Cancelled means the caller's context deadline was reached.
	Cancelled Kind = "Cancelled"

	// Internal means an invariant was violated; a bug.
	Internal Kind = "Internal"
)

// Error is the concrete error type produced by the engines.
type Error struct {
	Kind    Kind   // category, always set
	Op      string // operation name, e.g. "fact.write"
	Message string // human-readable detail
	Err     error  // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s [%s]: %s: %v", "branchbase", e.Op, e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s [%s]: %s", "branchbase", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s [%s]: %v", "branchbase", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s [%s]", "branchbase", e.Op, e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a caller may reasonably retry the operation.
func (e *Error) Retryable() bool {
	return e.Kind == ResourceExhausted || e.Kind == Unavailable
}

// E constructs an Error with a formatted message.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error under the given kind and operation.
// Context cancellation and deadline errors always map to Cancelled,
// regardless of the requested kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = Cancelled
	}
	// Preserve the innermost kind so storage errors keep their category
	// as they bubble through engine layers.
	var inner *Error
	if errors.As(err, &inner) {
		kind = inner.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain; unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
