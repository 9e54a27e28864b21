package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/rail"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInFlight is returned when another executor holds a live claim on the
	// same idempotency key.
	ErrInFlight = errors.New("settlement in flight")

	// ErrKeyReused is returned when a tenant's idempotency key already names
	// a different transfer.
	ErrKeyReused = errors.New("idempotency key reused")

	// ErrNotFound is returned when no settlement exists for the transfer.
	ErrNotFound = errors.New("settlement not found")

	// ErrBatchTooLarge is returned for batches above MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrNotSubmitted is returned when cancelling or refreshing a settlement
	// the rail never accepted.
	ErrNotSubmitted = errors.New("settlement not submitted")

	// ErrSubmissionFailed is the sentinel behind SubmissionError.
	ErrSubmissionFailed = errors.New("settlement submission failed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InFlightError reports who holds the claim and since when.
type InFlightError struct {
	Key       string
	ClaimedAt time.Time
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("settlement %s in flight since %s", e.Key, e.ClaimedAt.Format(time.RFC3339))
}

func (e *InFlightError) Unwrap() error { return ErrInFlight }

// KeyReusedError names the transfer the key already belongs to.
type KeyReusedError struct {
	Key        string
	TransferID string
}

func (e *KeyReusedError) Error() string {
	return fmt.Sprintf("idempotency key %q already used for transfer %s", e.Key, e.TransferID)
}

func (e *KeyReusedError) Unwrap() error { return ErrKeyReused }

// SubmissionError is returned when the rail rejected the settlement or
// retries ran out.
type SubmissionError struct {
	Rail     rail.ID
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("settlement on %s failed after %d attempt(s): %v", e.Rail, e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() []error { return []error{ErrSubmissionFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true if the transfer is being settled by someone else
// or the idempotency key belongs to another transfer.
func IsConflict(err error) bool { return errors.Is(err, ErrInFlight) || errors.Is(err, ErrKeyReused) }

// IsNotFound returns true if no settlement exists.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, ErrNotSubmitted) ||
		errors.Is(err, rail.ErrUnknownRail) ||
		errors.Is(err, rail.ErrCancelNotSupported) ||
		rail.IsValidation(err)
}
