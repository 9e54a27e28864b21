/*
errors.go - Error taxonomy for rail interactions

ERROR CATEGORIES:
  1. Validation - malformed request, never retried, surfaced immediately
  2. Transient  - network/timeout/5xx, retried with backoff by the executor
  3. Fatal      - permanent rejection by the rail (e.g. invalid recipient)

  Discrepancies are NOT errors. They are data records produced by the
  reconciliation engine and never travel through this taxonomy.

USAGE:
  Adapters return *rail.Error so callers can classify without string
  matching:

    if rail.IsTransient(err) {
        // back off and retry
    }

SEE ALSO:
  - settlement/executor.go: Retry loop driven by these predicates
*/
package rail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownRail is returned for a rail identifier that is not configured.
	ErrUnknownRail = errors.New("unknown rail")

	// ErrTransactionNotFound is returned by GetTransaction when the rail has
	// no record for the reference.
	ErrTransactionNotFound = errors.New("rail transaction not found")

	// ErrCancelNotSupported is returned when the adapter does not implement
	// Canceler or the rail refuses cancellation in the current state.
	ErrCancelNotSupported = errors.New("cancellation not supported")

	// ErrDuplicateRail is returned when a registry is built with two adapters
	// for the same rail.
	ErrDuplicateRail = errors.New("duplicate rail in registry")

	// ErrValidation is the sentinel behind ValidationError.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Kind classifies a rail failure.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// Error is what adapters return when the rail refuses or fails a call.
type Error struct {
	Rail    ID
	Kind    Kind
	Code    string // rail or HTTP code, e.g. "503", "invalid_recipient"
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s error (%s): %s", e.Rail, e.Kind, e.Code, e.Message)
}

// NewTransient builds a retryable rail error.
func NewTransient(id ID, code, msg string) *Error {
	return &Error{Rail: id, Kind: KindTransient, Code: code, Message: msg}
}

// NewFatal builds a permanent rail rejection.
func NewFatal(id ID, code, msg string) *Error {
	return &Error{Rail: id, Kind: KindFatal, Code: code, Message: msg}
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsTransient returns true if the error might succeed on retry: rail
// transient errors, timeouts and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsFatal returns true for permanent rail rejections.
func IsFatal(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindFatal
}

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidation) {
		return true
	}
	var re *Error
	return errors.As(err, &re) && re.Kind == KindValidation
}

// Code extracts the rail error code, if any.
func Code(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
