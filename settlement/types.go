/*
Package settlement submits transfers to rails exactly once.

PURPOSE:
  Wraps a rail.Adapter call with idempotency, timeout, bounded retry and
  persistence. Two concurrent submissions for the same transfer collapse to
  one external settlement.

THE CLAIM (the only compare-and-set in the subsystem):
  Before touching the rail, the executor inserts a Record keyed by
  DeriveKey(tenant, transfer), insert-if-absent. A caller-supplied key is
  stored as RequestKey, unique per tenant; reusing it for another transfer
  is rejected with ErrKeyReused. The loser of that race reads the winner's
  record:

    submitted                → return its external reference (Duplicate)
    in_flight, within lease  → ErrInFlight, the caller retries later
    in_flight, lease expired → take over by CAS on the owner token
    failed                   → take over by CAS on the owner token

  A takeover first asks the rail whether the transfer already exists there
  (a previous owner may have crashed after the rail accepted). If it does,
  the executor adopts that external reference instead of resubmitting.

CRASH WINDOW:
  A crash after the rail accepted but before the record is saved leaves an
  orphan on the rail. The next takeover adopts it; reconciliation reports it
  as missing_in_ledger until then. That is the recovery path, not an error.

SEE ALSO:
  - executor.go: Execute, Cancel, Refresh, ExecuteBatch
  - store/sqlite, store/memory: Store implementations
*/
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// State is the executor's bookkeeping state, distinct from the rail status.
type State string

const (
	StateInFlight  State = "in_flight" // claimed, rail call in progress
	StateSubmitted State = "submitted" // rail accepted; ExternalID set
	StateFailed    State = "failed"    // rail rejected or retries exhausted
)

// Record is the persisted settlement attempt for one tenant transfer.
type Record struct {
	IdempotencyKey string // DeriveKey(TenantID, TransferID)
	RequestKey     string // caller-supplied key, unique per tenant; may be empty
	TenantID       string
	TransferID     string
	Rail           rail.ID

	Amount              decimal.Decimal
	Currency            string
	DestinationCurrency string
	DestinationAccount  string
	DestinationCountry  string

	State      State
	Owner      string // claim token of the executor holding the record
	ExternalID string
	Status     rail.Status

	ErrorCode    string
	ErrorMessage string
	Attempts     int

	EstimatedCompletion *time.Time
	ClaimedAt           time.Time
	UpdatedAt           time.Time
}

// DeriveKey builds the claim key for a tenant's transfer.
func DeriveKey(tenant, transferID string) string {
	return "transfer:" + tenant + ":" + transferID
}

// Store persists settlement records.
type Store interface {
	// Claim inserts rec if no record has its idempotency key and, when
	// RequestKey is set, no record of the same tenant has its request key.
	// Otherwise it returns the conflicting record and false. Must be atomic.
	Claim(ctx context.Context, rec Record) (*Record, bool, error)

	// TakeOver replaces the owner of a non-submitted record, only if the
	// current owner is still prevOwner. rec carries the new owner, claim
	// time and rail.
	TakeOver(ctx context.Context, prevOwner string, rec Record) (bool, error)

	// Save writes the mutable fields of rec.
	Save(ctx context.Context, rec Record) error

	// GetSettlement returns the latest record for a tenant's transfer.
	GetSettlement(ctx context.Context, tenant, transferID string) (*Record, error)

	// ListOpenSettlements returns submitted records whose rail status is not
	// terminal, oldest first.
	ListOpenSettlements(ctx context.Context, limit int) ([]Record, error)
}

// Result is the outcome of Execute.
type Result struct {
	Record    Record
	Duplicate bool // true when no new rail submission was made
}

// BatchItem is one entry of ExecuteBatch.
type BatchItem struct {
	Rail    rail.ID
	Request rail.SettlementRequest
}

// BatchResult pairs an item with its outcome. Exactly one of Result and
// Err is set.
type BatchResult struct {
	TransferID string
	Result     *Result
	Err        error
}
