package object

import "fmt"

// Error is a language-level exception value. Raising one propagates it up
// the frame stack as normal control flow; it is never a host-level fault.
type Error struct {
	message string
}

func (e *Error) Type() Type             { return ERROR }
func (e *Error) Inspect() string        { return fmt.Sprintf("error(%q)", e.message) }
func (e *Error) Interface() interface{} { return e.message }
func (e *Error) IsTruthy() bool         { return true }

func (e *Error) Equals(other Object) bool {
	if other, ok := other.(*Error); ok {
		return e.message == other.message
	}
	return false
}

// Message returns the error message.
func (e *Error) Message() string { return e.message }

// NewError creates an error value with the given message.
func NewError(message string) *Error {
	return &Error{message: message}
}

// Errorf creates an error value with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{message: fmt.Sprintf(format, args...)}
}
