/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The commission package wraps these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors  - malformed/missing input, caller's fault
  2. Balance errors     - redemption exceeds available balance
  3. Duplicate errors   - idempotency-key collisions (treated as success
                          at the API boundary, never surfaced as failures)
  4. Storage errors     - infrastructure failures, eligible for retry

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) { ... }

  var insufficient *ledger.InsufficientBalanceError
  if errors.As(err, &insufficient) {
      fmt.Println(insufficient.Available)
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing input.
	// Caller's fault; not retried.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when redemption exceeds the
	// available balance. Surfaced to the end user; not retried.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateOperation is returned when an idempotency key already
	// exists. Expected behavior for retries; treated as success upstream.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrDuplicateSourceOrder is returned when a ledger entry already
	// exists for a source order. The uniqueness constraint is the
	// correctness mechanism for accrual idempotency.
	ErrDuplicateSourceOrder = errors.New("ledger entry already exists for source order")

	// ErrNotFound is returned for unknown accounts, entries, or orders.
	ErrNotFound = errors.New("not found")

	// ErrTransientStorage is returned for infrastructure failures.
	// Eligible for retry with the same idempotency key.
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrConcurrentModification is returned when the optimistic version
	// check on a wallet account detects a conflicting writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerDrift is returned when the wallet balance and the active
	// entries disagree mid-operation. Indicates a violated invariant,
	// never expected in normal operation.
	ErrLedgerDrift = errors.New("wallet balance out of sync with active entries")

	// ErrStoreRequired is returned when an operation needs an extended
	// store capability the configured store does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %s, available %s",
		e.Requested.String(), e.Available.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ValidationError provides details about rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies what was missing.
type NotFoundError struct {
	Kind string // "account", "entry", "order"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with the
// same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsDuplicate returns true if the error is an idempotency-key collision.
// At the API boundary these are treated as success, not failure.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, ErrDuplicateSourceOrder)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
