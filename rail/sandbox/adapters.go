package sandbox

import (
	"context"
	"regexp"

	"github.com/warp/settlement-engine/rail"
)

// base implements the parts of rail.Adapter every sandbox rail shares.
type base struct {
	rail.Sealed
	id      rail.ID
	caps    rail.Capabilities
	net     *Network
	prefix  string
	instant bool
}

func (b *base) ID() rail.ID                    { return b.id }
func (b *base) Capabilities() rail.Capabilities { return b.caps }

func (b *base) submit(ctx context.Context, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.net.submit(b.id, b.caps, b.prefix, b.instant, req)
}

func (b *base) GetTransaction(ctx context.Context, ref rail.Reference) (*rail.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.net.get(b.id, ref)
}

func (b *base) GetTransactions(ctx context.Context, q rail.TransactionQuery) (*rail.TransactionPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.net.list(b.id, q)
}

func (b *base) GetBalance(ctx context.Context, currency string) (*rail.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.net.balance(b.id, currency), nil
}

func (b *base) HealthCheck(ctx context.Context) rail.HealthStatus {
	if err := ctx.Err(); err != nil {
		return rail.HealthStatus{Healthy: false, Message: err.Error()}
	}
	return b.net.health(b.id)
}

// =============================================================================
// STABLECOIN - USDC ledger, settles on submit
// =============================================================================

// Stablecoin is the sandbox USDC rail.
type Stablecoin struct{ base }

// NewStablecoin creates the sandbox stablecoin rail.
func NewStablecoin(n *Network, caps rail.Capabilities) *Stablecoin {
	return &Stablecoin{base{id: rail.CircleUSDC, caps: caps, net: n, prefix: "usdc", instant: true}}
}

// SubmitSettlement transfers USDC to the destination wallet.
func (s *Stablecoin) SubmitSettlement(ctx context.Context, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	return s.submit(ctx, req)
}

// =============================================================================
// PIX - Brazil instant payments
// =============================================================================

// Pix is the sandbox Pix rail. It needs a Pix key as destination account.
type Pix struct{ base }

// NewPix creates the sandbox Pix rail.
func NewPix(n *Network, caps rail.Capabilities) *Pix {
	return &Pix{base{id: rail.Pix, caps: caps, net: n, prefix: "pix"}}
}

// SubmitSettlement pays out to a Pix key.
func (p *Pix) SubmitSettlement(ctx context.Context, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	if req.DestinationAccount == "" {
		return nil, rail.NewFatal(rail.Pix, "invalid_recipient", "pix key is required")
	}
	return p.submit(ctx, req)
}

// =============================================================================
// SPEI - Mexico instant payments
// =============================================================================

var clabePattern = regexp.MustCompile(`^\d{18}$`)

// SPEI is the sandbox SPEI rail. It needs an 18-digit CLABE.
type SPEI struct{ base }

// NewSPEI creates the sandbox SPEI rail.
func NewSPEI(n *Network, caps rail.Capabilities) *SPEI {
	return &SPEI{base{id: rail.SPEI, caps: caps, net: n, prefix: "spei"}}
}

// SubmitSettlement pays out to a CLABE.
func (s *SPEI) SubmitSettlement(ctx context.Context, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	if !clabePattern.MatchString(req.DestinationAccount) {
		return nil, rail.NewFatal(rail.SPEI, "invalid_recipient", "destination must be an 18-digit CLABE")
	}
	return s.submit(ctx, req)
}

// =============================================================================
// WIRE - International wire, slow, cancellable while pending
// =============================================================================

// Wire is the sandbox international wire rail.
type Wire struct{ base }

// NewWire creates the sandbox wire rail.
func NewWire(n *Network, caps rail.Capabilities) *Wire {
	return &Wire{base{id: rail.Wire, caps: caps, net: n, prefix: "wire"}}
}

// SubmitSettlement sends a wire.
func (w *Wire) SubmitSettlement(ctx context.Context, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	return w.submit(ctx, req)
}

// CancelSettlement recalls a wire that has not started processing.
func (w *Wire) CancelSettlement(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.net.cancel(rail.Wire, externalID)
}

// =============================================================================
// INTERNAL - Book-entry ledger between platform accounts
// =============================================================================

// Internal is the book-entry rail. It settles on submit.
type Internal struct{ base }

// NewInternal creates the internal book-entry rail.
func NewInternal(n *Network, caps rail.Capabilities) *Internal {
	return &Internal{base{id: rail.Internal, caps: caps, net: n, prefix: "int", instant: true}}
}

// SubmitSettlement books the transfer between internal accounts.
func (i *Internal) SubmitSettlement(ctx context.Context, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	return i.submit(ctx, req)
}

// =============================================================================
// FACTORY
// =============================================================================

// New builds the sandbox adapter for a rail.
func New(id rail.ID, n *Network, caps rail.Capabilities) (rail.Adapter, error) {
	switch id {
	case rail.CircleUSDC:
		return NewStablecoin(n, caps), nil
	case rail.Pix:
		return NewPix(n, caps), nil
	case rail.SPEI:
		return NewSPEI(n, caps), nil
	case rail.Wire:
		return NewWire(n, caps), nil
	case rail.Internal:
		return NewInternal(n, caps), nil
	}
	return nil, rail.ErrUnknownRail
}

var (
	_ rail.Adapter  = (*Stablecoin)(nil)
	_ rail.Adapter  = (*Pix)(nil)
	_ rail.Adapter  = (*SPEI)(nil)
	_ rail.Adapter  = (*Wire)(nil)
	_ rail.Canceler = (*Wire)(nil)
	_ rail.Adapter  = (*Internal)(nil)
)
