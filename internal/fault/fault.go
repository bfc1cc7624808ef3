// Package fault defines the closed error taxonomy shared by all components.
// Storage clients classify SDK errors into these kinds at the boundary so
// that callers never match on message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation Kind = "validation"

	// KindNotFound marks a missing upload, file, or artifact.
	KindNotFound Kind = "not_found"

	// KindConflict marks an operation that contradicts recorded state,
	// such as re-confirming a chunk with a different content tag.
	KindConflict Kind = "conflict"

	// KindIncomplete marks a finalize attempted before every declared
	// chunk was recorded.
	KindIncomplete Kind = "incomplete_upload"

	// KindTransient marks network/5xx-class storage failures. Retried by
	// the executor and surfaced only after exhaustion.
	KindTransient Kind = "transient_storage"

	// KindTimeout marks a drain that exceeded its wall-clock ceiling.
	KindTimeout Kind = "repackaging_timeout"

	// KindRepackaging marks an encoder failure or a permanent part-upload
	// failure during repackaging.
	KindRepackaging Kind = "repackaging_failure"
)

// Error carries a kind, the failing operation, and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with a message and no cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Is(err, KindTransient)
}
