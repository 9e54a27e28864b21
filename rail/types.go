/*
Package rail defines the contract between the settlement core and the
external settlement networks ("rails").

PURPOSE:
  A rail is a non-transactional external system that actually moves value:
  a stablecoin ledger, a local instant-payment network, international wire,
  or the internal book-entry ledger. The core never talks to a network
  directly; it talks to a rail.Adapter looked up in the Registry by an
  enumerated rail.ID.

KEY CONCEPTS IN THIS FILE (types.go):
  - ID:                  Enumerated rail identifier (no stringly-typed dispatch)
  - Status:              Settlement state machine shared by rails and the core
  - Transaction:         A rail's view of one settlement
  - Balance:             Read-only balance snapshot reported by the rail
  - SettlementRequest:   Unit of work submitted to a rail
  - SettlementResponse:  Rail's answer to a submission

DESIGN PRINCIPLES:
  1. Rails are at-least-once: callers own idempotency, adapters do not.
  2. Precision: every amount is decimal.Decimal next to an ISO-4217 code.
  3. Status transitions come only from rail responses, never assumed.
  4. An adapter never talks to the ledger; it only knows the rail's view.

SEE ALSO:
  - adapter.go: The Adapter contract
  - registry.go: Immutable registry and atomic swap holder
  - sandbox/: Per-rail sandbox adapters
*/
package rail

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RAIL IDENTIFIERS
// =============================================================================

// ID identifies one external settlement network.
type ID string

const (
	CircleUSDC ID = "circle_usdc" // stablecoin ledger
	Pix        ID = "pix"         // Brazil instant payments
	SPEI       ID = "spei"        // Mexico instant payments
	Wire       ID = "wire"        // international wire
	Internal   ID = "internal"    // internal book-entry ledger
)

// AllIDs lists every known rail in a stable order.
var AllIDs = []ID{CircleUSDC, Pix, SPEI, Wire, Internal}

// ParseID converts a string into a known rail ID.
func ParseID(s string) (ID, error) {
	for _, id := range AllIDs {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRail, s)
}

func (id ID) String() string { return string(id) }

// =============================================================================
// SETTLEMENT STATUS - State machine
// =============================================================================

// Status is the lifecycle state of a settlement on a rail.
//
//	pending → processing → completed
//	   └──────────┴──────→ failed | reversed | expired
//
// completed may still move to reversed (the rail returned the funds).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusReversed   Status = "reversed"
	StatusExpired    Status = "expired"
)

// ParseStatus accepts the canonical names plus the aliases rails and the
// ledger commonly use.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending", "queued", "submitted":
		return StatusPending, nil
	case "processing", "in_progress", "confirmed":
		return StatusProcessing, nil
	case "completed", "settled", "succeeded", "success":
		return StatusCompleted, nil
	case "failed", "rejected", "cancelled", "canceled":
		return StatusFailed, nil
	case "reversed", "returned", "refunded":
		return StatusReversed, nil
	case "expired":
		return StatusExpired, nil
	}
	return "", fmt.Errorf("unknown settlement status %q", s)
}

// IsTerminal reports whether no further transition is expected, with the
// exception of completed → reversed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusReversed, StatusExpired:
		return true
	}
	return false
}

// IsInFlight reports whether the rail is still working on the settlement.
func (s Status) IsInFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// MovedFunds reports whether the status means value left the source.
func (s Status) MovedFunds() bool {
	return s == StatusCompleted
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted:  {StatusReversed},
}

// CanTransition reports whether from → to is a legal move. Staying in the
// same state is always legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// RAIL TRANSACTION - A rail's view of one settlement
// =============================================================================

// Transaction is immutable once the rail marks it completed, failed or
// reversed; otherwise it is refreshed by polling.
type Transaction struct {
	ExternalID string
	TransferID string // internal transfer id, when the rail inlines it
	Rail       ID
	Status     Status

	SourceAmount   decimal.Decimal
	SourceCurrency string

	DestinationAmount   *decimal.Decimal
	DestinationCurrency string
	FXRate              *decimal.Decimal
	Fee                 decimal.Decimal

	SubmittedAt time.Time
	ConfirmedAt *time.Time
	CompletedAt *time.Time

	ErrorMessage string
	RawPayload   json.RawMessage
	Metadata     map[string]string
}

// IsTerminal reports whether the rail has finished with this transaction.
func (t Transaction) IsTerminal() bool { return t.Status.IsTerminal() }

// =============================================================================
// BALANCE
// =============================================================================

// Balance is a snapshot reported by the rail. It is never derived from the
// internal ledger.
type Balance struct {
	Rail      ID
	Currency  string
	Available decimal.Decimal
	Pending   decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// =============================================================================
// SETTLEMENT REQUEST / RESPONSE
// =============================================================================

// SettlementRequest is the executor's unit of work.
type SettlementRequest struct {
	TransferID          string
	TenantID            string
	Amount              decimal.Decimal
	Currency            string
	DestinationCurrency string
	DestinationAccount  string
	DestinationCountry  string
	IdempotencyKey      string
	Metadata            map[string]string
}

// Validate checks the fields every rail needs.
func (r SettlementRequest) Validate() error {
	var fields []FieldError
	if r.TransferID == "" {
		fields = append(fields, FieldError{Field: "transferId", Message: "is required"})
	}
	if r.TenantID == "" {
		fields = append(fields, FieldError{Field: "tenantId", Message: "is required"})
	}
	if !r.Amount.IsPositive() {
		fields = append(fields, FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	if !validCurrency(r.Currency) {
		fields = append(fields, FieldError{Field: "currency", Message: "must be a currency code"})
	}
	if r.DestinationCurrency != "" && !validCurrency(r.DestinationCurrency) {
		fields = append(fields, FieldError{Field: "destinationCurrency", Message: "must be a currency code"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// validCurrency accepts ISO-4217 codes and 4-letter token codes like USDC.
func validCurrency(c string) bool {
	if len(c) != 3 && len(c) != 4 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// SettlementResponse is what a rail says about a submission.
type SettlementResponse struct {
	Success             bool
	ExternalID          string
	Status              Status
	ErrorCode           string
	ErrorMessage        string
	EstimatedCompletion *time.Time
	SubmittedAt         *time.Time // rail clock; nil when the rail does not say
}

// HealthStatus is the result of a rail health probe.
type HealthStatus struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
}
