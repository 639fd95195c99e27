/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every engine error is local, synchronous, and non-retryable: it
  indicates bad input data, not transient failure. The hosting service
  surfaces these to an operator for correction; because every engine
  operation recomputes idempotently from its inputs, a failed attempt
  can simply be retried after the input is fixed.

ERROR CATEGORIES:
  1. Validation errors   - malformed concept/tariff/custom allocation
  2. Coverage gap errors - tiered/seasonal tariff missing coverage
  3. Allocation errors   - splits that do not sum to their total
  4. Payment errors      - applying a pending/rejected payment
  5. Lifecycle errors    - disallowed status transitions
  6. Store errors        - missing records, duplicate references

USAGE:
  Callers classify with errors.Is:

    if errors.Is(err, billing.ErrCoverageGap) {
        // flag the tariff as needing correction
    }

SEE ALSO:
  - tariff.go: raises coverage gap errors
  - reconcile.go: raises allocation and payment errors
  - lifecycle.go: raises transition errors
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
	// ErrValidation is the root of all malformed-input failures. The
	// caller must fix the input; the engine never retries.
	ErrValidation = errors.New("invalid input")

	// ErrCoverageGap is returned when a tiered tariff cannot price the
	// requested quantity or a seasonal tariff has no season for the
	// billing month. Fatal: the tariff needs correction, the engine
	// must not silently default.
	ErrCoverageGap = errors.New("tariff coverage gap")

	// ErrAllocationMismatch is returned when a custom concept allocation
	// or a payment allocation does not sum to its total.
	ErrAllocationMismatch = errors.New("allocation does not sum to total")

	// ErrNonConfirmedPayment is returned when applying a pending or
	// rejected payment. An error, not a no-op, so callers cannot
	// silently lose track of the payment.
	ErrNonConfirmedPayment = errors.New("payment not confirmed")

	// ErrInvalidTransition is returned for a disallowed emission status
	// transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTariffOutOfValidity is returned when the billing date falls
	// outside a tariff's validity window.
	ErrTariffOutOfValidity = errors.New("billing date outside tariff validity")

	// ErrEmptyRoster is returned when equal/proportional distribution is
	// attempted with no active units.
	ErrEmptyRoster = errors.New("no active units to distribute to")

	// ErrEmissionNotFound is returned when a referenced emission doesn't exist.
	ErrEmissionNotFound = errors.New("emission not found")

	// ErrTariffNotFound is returned when no tariff covers a service/date.
	ErrTariffNotFound = errors.New("tariff not found")

	// ErrUnitNotFound is returned when a referenced unit doesn't exist.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrDuplicateReference is returned when a payment reference code was
	// already recorded. Expected behavior for retries.
	ErrDuplicateReference = errors.New("duplicate payment reference")

	// ErrCurrencyMismatch is returned when amounts from two currencies
	// meet. The engine assumes one currency per emission and defines no
	// conversion.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed record: the caller must correct the
// input before retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CoverageGapError reports a tariff that cannot price a quantity or date.
type CoverageGapError struct {
	TariffID TariffID
	Service  ServiceType
	Detail   string
}

func (e *CoverageGapError) Error() string {
	return fmt.Sprintf("coverage gap in tariff %s (%s): %s", e.TariffID, e.Service, e.Detail)
}

func (e *CoverageGapError) Unwrap() error { return ErrCoverageGap }

// AllocationMismatchError reports a split that does not sum to its total.
type AllocationMismatchError struct {
	Subject  string
	Expected Money
	Got      Money
}

func (e *AllocationMismatchError) Error() string {
	return fmt.Sprintf("allocation mismatch for %s: entries sum to %v, expected %v",
		e.Subject, e.Got.Value, e.Expected.Value)
}

func (e *AllocationMismatchError) Unwrap() error { return ErrAllocationMismatch }

// NonConfirmedPaymentError reports an attempt to apply a payment that is
// not in confirmed status.
type NonConfirmedPaymentError struct {
	PaymentID PaymentID
	Status    PaymentStatus
}

func (e *NonConfirmedPaymentError) Error() string {
	return fmt.Sprintf("payment %s cannot be applied: status is %s", e.PaymentID, e.Status)
}

func (e *NonConfirmedPaymentError) Unwrap() error { return ErrNonConfirmedPayment }

// TransitionError reports a disallowed lifecycle transition.
type TransitionError struct {
	EmissionID EmissionID
	From       EmissionStatus
	To         EmissionStatus
	Reason     string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("emission %s: cannot transition %s -> %s", e.EmissionID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// and maps to a 4xx at the HTTP boundary.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCoverageGap) ||
		errors.Is(err, ErrAllocationMismatch) ||
		errors.Is(err, ErrNonConfirmedPayment) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTariffOutOfValidity) ||
		errors.Is(err, ErrEmptyRoster) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrCurrencyMismatch)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmissionNotFound) ||
		errors.Is(err, ErrTariffNotFound) ||
		errors.Is(err, ErrUnitNotFound)
}
