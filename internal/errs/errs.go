// Package errs defines the coordination engine's error taxonomy.
//
// Store, Coordinator, Messaging and the Circuit Breaker all return errors
// built with New/Wrap so the Dispatcher can map them to stable JSON-RPC
// codes (see internal/dispatcher) without string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's error kinds (§7 of the spec).
type Kind string

const (
	NotFound               Kind = "not_found"
	Validation             Kind = "validation"
	DuplicateCode          Kind = "duplicate_code"
	InvalidStateTransition Kind = "invalid_state_transition"
	AlreadyClaimed         Kind = "already_claimed"
	NotOwned               Kind = "not_owned"
	InsufficientCaps       Kind = "insufficient_capabilities"
	SessionNotFound        Kind = "session_not_found"
	CircuitOpen            Kind = "circuit_breaker_open"
	Conflict               Kind = "conflict"
	Database               Kind = "database"
	Protocol               Kind = "protocol"
	Serialization          Kind = "serialization"
	Internal               Kind = "internal"
)

// Error is a kind-tagged error carrying a human-readable message that
// names the relevant identifiers. Never carries a stack trace or path.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause, never surfaced verbatim to clients
}

// Error returns the client-safe string: Kind and Msg only. Err is
// deliberately excluded — dispatcher.go puts this string directly into
// RPCError.Message, and Err may be a raw driver error carrying SQL text
// or a file path. Use LogDetail for the full picture in server logs.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// LogDetail returns Error()'s string plus the wrapped cause, if any, for
// server-side logging where the underlying driver error is useful and
// the audience isn't a remote client.
func (e *Error) LogDetail() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return e.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, attaching cause for logging
// while keeping Msg as the client-safe text.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
