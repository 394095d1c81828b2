package notifier

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned before a member-list mutation when the actor cannot read the thread's container.
var ErrPermissionDenied = errors.New("permission denied")

// ErrUndeliverable marks a recipient that can never receive mail, such as one with a malformed address.
var ErrUndeliverable = errors.New("recipient is undeliverable")

// InvalidOptionError reports an email option code outside the known set.
type InvalidOptionError struct {
	Code int
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid email option %d", e.Code)
}

// DeliveryFailure is a failed digest handoff for a single recipient.
type DeliveryFailure struct {
	Recipient UserID
	Err       error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver digest to user %d: %v", e.Recipient, e.Err)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed load or save of preferences, member rows or digest state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError unless it already is one or is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsInvalidOption reports whether err is, or wraps, an InvalidOptionError.
func IsInvalidOption(err error) bool {
	var invalid *InvalidOptionError
	return errors.As(err, &invalid)
}
