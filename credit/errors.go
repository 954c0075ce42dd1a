/*
errors.go - Centralized error types for the credit engine

ERROR CATEGORIES:
  1. Client errors - invalid input, insufficient funds, stale reservations
  2. Lookup errors - missing credits
  3. Store errors - transient backend failures, safe to retry

A lost race on a single candidate during allocation is NOT an error. Stores
report it as TryTransition returning false and the engine skips the record.

SEE ALSO:
  - allocation.go: returns InsufficientFundsError
  - finalize.go: returns ItemError per batch item
*/
package credit

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned before any storage access for malformed
	// input: non-positive targets, empty identifiers, bad values.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientFunds is returned when the reachable Available total
	// cannot cover the target. Partial reservations are already rolled back.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStaleReservation is returned when a finalize or release references a
	// credit that is no longer Frozen.
	ErrStaleReservation = errors.New("stale reservation")

	// ErrStorageUnavailable marks transient backend failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned by point lookups of a missing credit.
	ErrNotFound = errors.New("credit not found")

	// ErrDuplicateCredit is returned when (account, credit id) already exists.
	ErrDuplicateCredit = errors.New("credit already exists")

	// ErrIllegalTransition is returned for status edges outside the lifecycle.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details an allocation shortfall.
type InsufficientFundsError struct {
	Account string
	Target  int64
	// Reachable is what the attempt could see or reserve before giving up.
	Reachable int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s target %d reachable %d",
		e.Account, e.Target, e.Reachable)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// ItemError is the outcome of one failed item in a finalize/release batch.
type ItemError struct {
	CreditID string
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("credit %s: %v", e.CreditID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// StorageError wraps a backend failure. It matches both ErrStorageUnavailable
// and the underlying driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// Unavailable wraps err as a StorageError for op. Nil stays nil, and errors
// that already carry a domain meaning pass through untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateCredit) || errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole call may be retried safely.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrStaleReservation) ||
		errors.Is(err, ErrDuplicateCredit) ||
		errors.Is(err, ErrIllegalTransition)
}

// IsNotFound returns true if the error indicates a missing credit.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
