/*
Package ledger is the settlement engine's view of the internal ledger.

PURPOSE:
  Account and transfer CRUD live elsewhere in the platform. This package
  only defines what the settlement core needs from the ledger:

  - Source:   page through transfers settled (or being settled) on a rail,
              for a tenant and a time window. Read by reconciliation.
  - Recorder: record that a transfer was submitted to a rail and what the
              rail answered. Written by the executor.

  Implementations:
  - store/sqlite:     sandbox and development deployments
  - ledger/postgres:  the platform's transfers table
  - store/memory:     executor unit tests

WINDOW:
  A transfer belongs to the window [From, To) by its CreatedAt, the moment
  it was submitted to the rail. Rails page by submission time too, so both
  sides of a reconciliation look at the same slice of history.
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// ErrTransferNotFound is returned when no transfer matches.
var ErrTransferNotFound = errors.New("ledger transfer not found")

// DefaultPageSize applies when a query has no limit.
const DefaultPageSize = 500

// Transfer is the ledger's record of one transfer settled on a rail.
type Transfer struct {
	TenantID    string
	TransferID  string
	Rail        rail.ID
	ExternalID  string // empty until the rail accepted it
	Amount      decimal.Decimal
	Currency    string
	Status      rail.Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Query selects a page of transfers.
type Query struct {
	TenantID string
	Rail     rail.ID
	From     time.Time
	To       time.Time
	Cursor   string
	Limit    int
}

// Page is one page of transfers. An empty NextCursor means the last page.
type Page struct {
	Transfers  []Transfer
	NextCursor string
}

// Source lists ledger transfers for reconciliation.
type Source interface {
	ListTransfers(ctx context.Context, q Query) (*Page, error)
}

// Recorder records executor outcomes on the ledger. RecordSettlement is an
// upsert keyed by (tenant, transfer id).
type Recorder interface {
	RecordSettlement(ctx context.Context, t Transfer) error
}

// Ledger is both sides.
type Ledger interface {
	Source
	Recorder
}
