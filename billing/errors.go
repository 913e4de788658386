/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Input errors - missing/invalid fields, rejected before any mutation
  2. Not-found errors - member or tab missing, abort the single invocation
  3. Concurrency errors - optimistic version conflicts, retryable
  4. Item errors - one row/member failed inside a batch; the batch continues

SEE ALSO:
  - batch.go: Batch accumulates ItemErrors
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when a trigger payload is malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrTabNotFound is returned when a referenced payment tab doesn't exist.
	ErrTabNotFound = errors.New("payment tab not found")

	// ErrBalanceNotFound is returned when a ledger row doesn't exist.
	ErrBalanceNotFound = errors.New("monthly balance not found")

	// ErrPaymentAlreadyAllocated is returned when a payment has already been
	// applied to the ledger. Replays are reported, never re-applied.
	ErrPaymentAlreadyAllocated = errors.New("payment already allocated")

	// ErrConcurrentModification is returned when a conditional update finds
	// the row at a different version than the one read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLockNotObtained is returned when the allocation lock is held elsewhere.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field of an input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// ItemError is one failed item inside a best-effort batch.
type ItemError struct {
	Item string // balance, member or tab ID
	Op   string // e.g. "close", "open", "freeze"
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Item, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockNotObtained)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPaymentAlreadyAllocated) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrTabNotFound) ||
		errors.Is(err, ErrBalanceNotFound)
}
