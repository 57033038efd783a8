// Package engineerr defines the Locai error taxonomy: a fixed set of kinds,
// each with a stable UPPER_SNAKE_CASE machine code, wrapped with
// fmt.Errorf-style context the way internal/store wraps sql errors.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error kinds from the taxonomy.
type Kind string

const (
	NotFound           Kind = "NOT_FOUND"
	AlreadyExists      Kind = "ALREADY_EXISTS"
	InvalidArgument    Kind = "INVALID_ARGUMENT"
	ValidationError    Kind = "VALIDATION_ERROR"
	VetoedByHook        Kind = "VETOED_BY_HOOK"
	ReferentialIntegrity Kind = "REFERENTIAL_INTEGRITY"
	Conflict           Kind = "CONFLICT"
	Timeout            Kind = "TIMEOUT"
	Cancelled          Kind = "CANCELLED"
	CapabilityError    Kind = "CAPABILITY_ERROR"
	StorageError       Kind = "STORAGE_ERROR"
	BatchTooLarge      Kind = "BATCH_TOO_LARGE"
	BatchTimeout       Kind = "BATCH_TIMEOUT"
	Internal           Kind = "INTERNAL"
)

// Error is the concrete error type carrying a kind, a message, and
// structured details (e.g. expected vs actual embedding dimension).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("locai: %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("locai: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable machine code for this error's kind.
func (e *Error) Code() string { return string(e.Kind) }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap builds an Error of the given kind, wrapping an underlying cause
// (typically a backend/driver error), mirroring internal/store's
// "failed to X: %w" wrapping convention but with a stable kind attached.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
