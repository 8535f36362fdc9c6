/*
errors.go - Centralized error types for the loan engine

PURPOSE:
  All error kinds the engine returns, in one place. Callers branch with
  errors.Is on the sentinels and errors.As on the structured types.

ERROR CATEGORIES:
  1. Caller errors - InvalidQuantity, IllegalTransition, InsufficientAvailability,
     ValidationFailed. Terminal for the request, shown to the user.
  2. Contention   - ConcurrencyConflict. The only retryable kind.
  3. Internal     - InvariantViolation. A bug or corrupted data, never retried.

SEE ALSO:
  - retry.go: RetryOnConflict for ConcurrencyConflict
  - api/handlers.go: HTTP status mapping
*/
package loans

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned when quantity/serial consistency is violated.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrIllegalTransition is returned when a state change is not permitted.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrInsufficientAvailability is returned when stock cannot cover a loan.
	ErrInsufficientAvailability = errors.New("insufficient availability")

	// ErrValidationFailed is returned when a request is rejected before any mutation.
	ErrValidationFailed = errors.New("validation failed")

	// ErrConcurrencyConflict is returned on lock or transaction contention.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolation signals an internal inconsistency. Fatal, not retried.
	ErrInvariantViolation = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidQuantityError explains which quantity rule was broken.
type InvalidQuantityError struct {
	Product ProductID
	Reason  string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity for product %s: %s", e.Product, e.Reason)
}

func (e *InvalidQuantityError) Unwrap() error {
	return ErrInvalidQuantity
}

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	Subject string // "detail" or "transfer"
	ID      string
	From    string
	To      string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s (id: %s)", e.Subject, e.From, e.To, e.ID)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// InsufficientAvailabilityError provides details about a stock shortage.
type InsufficientAvailabilityError struct {
	Product   ProductID
	Location  LocationID
	Serial    string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientAvailabilityError) Error() string {
	if e.Serial != "" {
		return fmt.Sprintf("serial %s of product %s is not available at %s", e.Serial, e.Product, e.Location)
	}
	return fmt.Sprintf("insufficient availability for %s at %s: available %s, requested %s",
		e.Product, e.Location, e.Available, e.Requested)
}

func (e *InsufficientAvailabilityError) Unwrap() error {
	return ErrInsufficientAvailability
}

// ValidationError carries the reason a request was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConcurrencyConflictError names the contended lock key.
type ConcurrencyConflictError struct {
	Key string
}

func (e *ConcurrencyConflictError) Error() string {
	return "concurrency conflict on " + e.Key
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInsufficientAvailability) ||
		errors.Is(err, ErrValidationFailed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
