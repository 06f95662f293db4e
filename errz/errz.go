// Package errz defines the error taxonomy used throughout the Fern engine.
//
// Language-level exceptions, guard failures, compilation failures, and
// internal invariant violations are distinct categories with different
// propagation rules. Only language-level exceptions and internal errors are
// ever surfaced to the embedding caller; guard failures are consumed by the
// deoptimization manager and compilation failures merely leave a function at
// its current tier.
package errz

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// ErrType indicates a type mismatch or invalid operation on a type.
	ErrType ErrorKind = iota
	// ErrValue indicates an invalid value for an operation.
	ErrValue
	// ErrIndex indicates an out-of-range container access.
	ErrIndex
	// ErrRuntime indicates a general runtime error, including values
	// raised explicitly by the program.
	ErrRuntime
	// ErrCompile indicates a (recoverable) native compilation failure.
	ErrCompile
	// ErrCancelled indicates an await that was cancelled before resolution.
	ErrCancelled
	// ErrInternal indicates an engine invariant violation. These are fatal
	// to the offending call: producing a wrong result silently would be
	// worse than failing loudly.
	ErrInternal
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrType:
		return "type error"
	case ErrValue:
		return "value error"
	case ErrIndex:
		return "index error"
	case ErrRuntime:
		return "runtime error"
	case ErrCompile:
		return "compile error"
	case ErrCancelled:
		return "cancelled"
	case ErrInternal:
		return "internal error"
	default:
		return "error"
	}
}

// StructuredError is the error type produced by the engine. It carries the
// error category, the name of the function that was executing, and an
// optional cause.
type StructuredError struct {
	Kind     ErrorKind
	Message  string
	Function string
	Cause    error
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Kind.String(), e.Message, e.Function)
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// IsFatal returns whether the error aborts the engine call entirely.
// Internal invariant violations are fatal; everything else is a normal
// language-level outcome.
func (e *StructuredError) IsFatal() bool {
	return e.Kind == ErrInternal
}

// New creates a StructuredError with the given kind and message.
func New(kind ErrorKind, message string) *StructuredError {
	return &StructuredError{Kind: kind, Message: message}
}

// Errorf creates a StructuredError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *StructuredError {
	return &StructuredError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// TypeErrorf creates a type error with a formatted message.
func TypeErrorf(format string, args ...any) *StructuredError {
	return Errorf(ErrType, format, args...)
}

// InternalErrorf creates a fatal internal error with a formatted message.
func InternalErrorf(format string, args ...any) *StructuredError {
	return Errorf(ErrInternal, format, args...)
}

// KindOf extracts the ErrorKind from an error, or ErrRuntime if the error is
// not a StructuredError.
func KindOf(err error) ErrorKind {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrRuntime
}

// IsKind reports whether the error is a StructuredError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
