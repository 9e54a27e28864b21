package discrepancy

import (
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/rail"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when the discrepancy does not exist for the tenant.
	ErrNotFound = errors.New("discrepancy not found")

	// ErrAlreadyResolved is returned when a resolved discrepancy receives a
	// different resolution.
	ErrAlreadyResolved = errors.New("discrepancy already resolved")

	// ErrInvalidPolicy is returned by AutoPolicy.Validate.
	ErrInvalidPolicy = errors.New("invalid auto-resolve policy")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AlreadyResolvedError carries the resolution that already closed the
// discrepancy.
type AlreadyResolvedError struct {
	ID       string
	Existing Resolution
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("discrepancy %s already resolved by %s at %s: %q",
		e.ID, e.Existing.ResolvedBy, e.Existing.ResolvedAt.Format("2006-01-02T15:04:05Z07:00"), e.Existing.Resolution)
}

func (e *AlreadyResolvedError) Unwrap() error { return ErrAlreadyResolved }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the discrepancy does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true if the discrepancy was already closed differently.
func IsConflict(err error) bool { return errors.Is(err, ErrAlreadyResolved) }

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPolicy) || rail.IsValidation(err)
}
