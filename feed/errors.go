package feed

import (
	"errors"
	"fmt"
)

// RecoverableError marks a message that may succeed if it is delivered again.
type RecoverableError struct {
	err error
}

// Error returns the error message for a RecoverableError.
func (e RecoverableError) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e RecoverableError) Unwrap() error {
	return e.err
}

// NewRecoverableError returns a new error that is marked as being recoverable.
func NewRecoverableError(formatString string, a ...any) RecoverableError {
	return RecoverableError{err: fmt.Errorf(formatString, a...)}
}

// UnrecoverableError marks a message that will never succeed, such as one that cannot be parsed.
type UnrecoverableError struct {
	err error
}

// Error returns the error message for an UnrecoverableError.
func (e UnrecoverableError) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e UnrecoverableError) Unwrap() error {
	return e.err
}

// NewUnrecoverableError returns a new error that is marked as being unrecoverable.
func NewUnrecoverableError(formatString string, a ...any) UnrecoverableError {
	return UnrecoverableError{err: fmt.Errorf(formatString, a...)}
}

// IsRecoverable reports whether err is marked recoverable. Unmarked errors are not.
func IsRecoverable(err error) bool {
	var re RecoverableError
	return errors.As(err, &re)
}
