package rail

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Adapter is the uniform contract every rail implements.
// Every call is side-effecting against a remote system and must be treated
// as at-least-once; idempotency is the caller's job.
//
// The interface is sealed: implementations embed Sealed.
type Adapter interface {
	ID() ID
	Capabilities() Capabilities

	// SubmitSettlement asks the rail to move value for one transfer.
	SubmitSettlement(ctx context.Context, req SettlementRequest) (*SettlementResponse, error)

	// GetTransaction looks a settlement up by external id or, when the rail
	// inlines it, by internal transfer id. A miss returns ErrTransactionNotFound.
	GetTransaction(ctx context.Context, ref Reference) (*Transaction, error)

	// GetTransactions pages through the rail's history for a window.
	GetTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error)

	GetBalance(ctx context.Context, currency string) (*Balance, error)
	HealthCheck(ctx context.Context) HealthStatus

	sealed()
}

// Canceler is implemented by rails that can cancel a submitted settlement.
type Canceler interface {
	CancelSettlement(ctx context.Context, externalID string) error
}

// Sealed is embedded by concrete adapters to satisfy Adapter.
type Sealed struct{}

func (Sealed) sealed() {}

// Reference selects a rail transaction by external id or transfer id.
// ExternalID wins when both are set.
type Reference struct {
	ExternalID string
	TransferID string
}

// ByExternalID references a transaction by the rail's id.
func ByExternalID(id string) Reference { return Reference{ExternalID: id} }

// ByTransferID references a transaction by the internal transfer id.
func ByTransferID(id string) Reference { return Reference{TransferID: id} }

// TransactionQuery selects a page of rail history. The window is
// half-open: [From, To).
type TransactionQuery struct {
	From     time.Time
	To       time.Time
	Status   Status // empty means any
	PageSize int
	Cursor   string
}

// TransactionPage is one page of rail history.
type TransactionPage struct {
	Transactions []Transaction
	HasMore      bool
	NextCursor   string
}

// =============================================================================
// CAPABILITIES - Static table used for routing
// =============================================================================

// Capabilities describes what a rail accepts. The router filters on these.
type Capabilities struct {
	Currencies            []string // accepted source currencies
	DestinationCurrencies []string // accepted payout currencies; empty means same as source
	Countries             []string // destination countries; empty means any
	MinAmount             decimal.Decimal
	MaxAmount             decimal.Decimal // zero means unbounded
	EstimatedTimeSeconds  int
	FeePercentage         decimal.Decimal
	Sandbox               bool
}

// SupportsCurrency reports whether the rail accepts the source currency.
func (c Capabilities) SupportsCurrency(cur string) bool {
	return contains(c.Currencies, cur)
}

// SupportsDestinationCurrency reports whether the rail can pay out in cur.
func (c Capabilities) SupportsDestinationCurrency(cur string) bool {
	if len(c.DestinationCurrencies) == 0 {
		return contains(c.Currencies, cur)
	}
	return contains(c.DestinationCurrencies, cur)
}

// SupportsCountry reports whether the rail can deliver to country.
func (c Capabilities) SupportsCountry(country string) bool {
	if len(c.Countries) == 0 {
		return true
	}
	return contains(c.Countries, country)
}

// AcceptsAmount checks min/max bounds.
func (c Capabilities) AcceptsAmount(amount decimal.Decimal) bool {
	if amount.LessThan(c.MinAmount) {
		return false
	}
	if !c.MaxAmount.IsZero() && amount.GreaterThan(c.MaxAmount) {
		return false
	}
	return true
}

// EstimatedCompletion projects when a settlement submitted at t should land.
func (c Capabilities) EstimatedCompletion(t time.Time) time.Time {
	return t.Add(time.Duration(c.EstimatedTimeSeconds) * time.Second)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
