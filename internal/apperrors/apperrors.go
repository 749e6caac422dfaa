package apperrors

import (
	"errors"
	"fmt"
)

// ErrAuthentication covers bad or missing credentials and webhook
// signature failures. Fatal for the request, no state is mutated.
var ErrAuthentication = errors.New("authentication failed")

// ConflictError is a user-correctable conflict: duplicate active
// subscription, busy enrollment lock, reactivating a subscription that is
// not scheduled for cancellation. Surfaced verbatim to the caller.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError covers unknown courses/subscriptions and ownership
// mismatches (which deliberately read the same as a missing row).
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func NotFound(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a failed payment-processor call. Compensating local
// actions (like releasing the enrollment lock) have already been attempted
// by the time one of these is returned.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

func Upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

// PersistenceError marks a local write that failed after the processor
// already accepted the action. Callers log these and move on; the next
// webhook delivery corrects local state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
