package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a local row or remote document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the remote store rejects the caller.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable is returned when the remote store cannot be reached.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrMissingRemoteID is returned when an update targets a record that
	// was never synced.
	ErrMissingRemoteID = errors.New("record has no remote id")

	// ErrConstraint is returned when a local delete would orphan pending work.
	ErrConstraint = errors.New("storage constraint violation")

	// ErrValidation is returned for malformed documents or payloads.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownTable is returned for tables that were never declared.
	ErrUnknownTable = errors.New("unknown table")

	// ErrStoreClosed is returned after a store has been closed.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidOperation is returned for operations missing variant fields.
	ErrInvalidOperation = errors.New("invalid operation")
)

// IsTerminal reports whether err must not be retried: not-found, permission,
// missing remote id, validation and malformed operations.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrMissingRemoteID) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidOperation)
}

// IsRetryable reports whether err should be retried. Connectivity and
// unknown errors are retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// OperationError describes a failed attempt to apply a queued operation.
type OperationError struct {
	OpID       string
	Type       OperationType
	Collection string
	Err        error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s (op %s): %v", e.Type, e.Collection, e.OpID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
