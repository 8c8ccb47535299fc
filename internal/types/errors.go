package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller. Kinds map to transport-level
// status codes at the boundary; the core never retries on its own except
// for a single storage serialization retry.
type Kind int

const (
	// KindBackend is a storage or dependency failure; transient.
	KindBackend Kind = iota
	// KindInvalid is malformed or out-of-range caller input.
	KindInvalid
	// KindNotFound covers both missing resources and cross-tenant hidden
	// resources; the two are indistinguishable to the caller.
	KindNotFound
	// KindForbidden means the principal lacks a required role or scope.
	KindForbidden
	// KindConflict is concurrent write contention or an invalid state
	// transition (e.g. approving a non-pending edit).
	KindConflict
	// KindSensitiveContent means a secret was detected and policy is reject.
	KindSensitiveContent
	// KindExpired is capsule or access-time expiry.
	KindExpired
	// KindDeadlineExceeded means the request deadline fired at an I/O boundary.
	KindDeadlineExceeded
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindSensitiveContent:
		return "sensitive_content"
	case KindExpired:
		return "expired"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "backend"
	}
}

// Error is the typed error surfaced by every entry operation.
type Error struct {
	Kind Kind
	Op   string // operation name, e.g. "record_event"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name and kind. A nil err yields an error
// carrying only the kind.
func E(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(op string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain; unclassified errors report
// KindBackend.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
