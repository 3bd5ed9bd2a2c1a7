/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Not found  - the customer does not exist (no state change)
  2. Client     - invalid input, repeated one-time actions
  3. Store      - the backend failed; the transaction was rolled back

There is deliberately no insufficient-balance error: a partial deduction
is a normal outcome reported through the returned amount.

USAGE:
  credit, err := engine.Accrue(ctx, id, 1500, 0)
  switch {
  case ledger.IsNotFound(err):
      // ask the customer to register
  case ledger.IsRetryable(err):
      // transient backend failure
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCustomerNotFound is returned when the customer id is unknown.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrStore marks failures of the backing store.
	ErrStore = errors.New("store failure")

	// ErrInvalidAmount is returned for negative purchases, non-positive
	// redemptions and expiry horizons outside 0..MaxExpireDays.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrProfileAlreadyCompleted guards the one-time welcome grant.
	ErrProfileAlreadyCompleted = errors.New("profile already completed")

	// ErrPhoneTaken is returned when another customer registered the phone.
	ErrPhoneTaken = errors.New("phone already registered")

	// ErrUnknownJob is returned by RunJob for names not in Jobs().
	ErrUnknownJob = errors.New("unknown job")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the customer that could not be found.
type NotFoundError struct {
	CustomerID CustomerID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("customer %d not found", e.CustomerID)
}

func (e *NotFoundError) Unwrap() error { return ErrCustomerNotFound }

// StoreError wraps a backend failure with the operation it interrupted.
// errors.Is(err, ErrStore) matches it; errors.Unwrap yields the cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// wrapStore turns raw backend errors into StoreError, leaving domain
// errors (not found, invalid input) untouched.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsClientError(err) || errors.Is(err, ErrStore) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing customer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrProfileAlreadyCompleted) ||
		errors.Is(err, ErrPhoneTaken) ||
		errors.Is(err, ErrUnknownJob)
}

// IsRetryable returns true if the error might succeed on retry.
// The engine itself never retries; that policy belongs to the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStore)
}
