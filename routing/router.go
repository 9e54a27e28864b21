/*
Package routing decides which rail settles a transfer.

PURPOSE:
  Given a transfer's protocol, amount, source currency and optional
  destination currency/country, rank the eligible rails and return a primary
  choice plus ordered fallbacks.

ALGORITHM:
  1. Filter: keep rails whose capability table accepts the source currency,
     destination currency, destination country and amount, and whose last
     known health is not unhealthy.
  2. Rank by the protocol's preference tiers. A destination country with a
     local instant-payment network (BR → pix, MX → spei) puts that rail
     ahead of every tier.
  3. Ties inside a tier: EstimatedTimeSeconds ascending, then FeePercentage
     ascending, then rail id, so the order is total.

DETERMINISM:
  Same request + same registry + same health snapshot = same decision.
  Safe retries and tests depend on this.

CONCURRENCY:
  Route is synchronous and holds no mutable state of its own. It reads the
  registry (immutable) and the health board (read lock only).

SEE ALSO:
  - rail/registry.go, rail/health.go
  - settlement/executor.go: Consumes the decision
*/
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// ErrNoEligibleRail is returned when every rail is filtered out.
var ErrNoEligibleRail = errors.New("no eligible rail")

// =============================================================================
// PROTOCOLS
// =============================================================================

// Protocol is the payment protocol a transfer arrived through.
type Protocol string

const (
	ProtocolMicropayment Protocol = "micropayment"  // x402
	ProtocolAgentMandate Protocol = "agent_mandate" // ap2
	ProtocolEcommerce    Protocol = "ecommerce"     // acp
	ProtocolCrossBorder  Protocol = "cross_border"  // ucp
)

// ParseProtocol accepts canonical names and the wire protocol aliases.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "micropayment", "x402":
		return ProtocolMicropayment, nil
	case "agent_mandate", "agent-mandate", "ap2":
		return ProtocolAgentMandate, nil
	case "ecommerce", "e-commerce", "acp":
		return ProtocolEcommerce, nil
	case "cross_border", "cross-border", "ucp":
		return ProtocolCrossBorder, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Preferences maps a protocol to ordered tiers of rails. Rails in earlier
// tiers win; rails inside one tier compete on time and fee. Rails absent
// from every tier rank last.
type Preferences map[Protocol][][]rail.ID

// DefaultPreferences: micropayments prefer the stablecoin and internal
// rails; cross-border prefers local instant networks, then wire.
func DefaultPreferences() Preferences {
	return Preferences{
		ProtocolMicropayment: {
			{rail.CircleUSDC, rail.Internal},
			{rail.Pix, rail.SPEI},
			{rail.Wire},
		},
		ProtocolAgentMandate: {
			{rail.Internal},
			{rail.CircleUSDC},
			{rail.Pix, rail.SPEI},
			{rail.Wire},
		},
		ProtocolEcommerce: {
			{rail.Pix, rail.SPEI},
			{rail.CircleUSDC},
			{rail.Internal},
			{rail.Wire},
		},
		ProtocolCrossBorder: {
			{rail.Pix, rail.SPEI},
			{rail.Wire},
			{rail.CircleUSDC},
			{rail.Internal},
		},
	}
}

// DefaultLocalNetworks maps destination countries to their instant rail.
func DefaultLocalNetworks() map[string]rail.ID {
	return map[string]rail.ID{
		"BR": rail.Pix,
		"MX": rail.SPEI,
	}
}

// =============================================================================
// REQUEST / DECISION
// =============================================================================

// Request is the routing input.
type Request struct {
	TransferID          string
	Protocol            Protocol
	Amount              decimal.Decimal
	SourceCurrency      string
	DestinationCurrency string
	DestinationCountry  string
}

// Validate checks required fields.
func (r Request) Validate() error {
	var fields []rail.FieldError
	if r.Protocol == "" {
		fields = append(fields, rail.FieldError{Field: "protocol", Message: "is required"})
	}
	if !r.Amount.IsPositive() {
		fields = append(fields, rail.FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	if len(r.SourceCurrency) != 3 && len(r.SourceCurrency) != 4 {
		fields = append(fields, rail.FieldError{Field: "currency", Message: "must be a currency code"})
	}
	if r.DestinationCountry != "" && len(r.DestinationCountry) != 2 {
		fields = append(fields, rail.FieldError{Field: "destinationCountry", Message: "must be an ISO 3166 alpha-2 code"})
	}
	if len(fields) > 0 {
		return &rail.ValidationError{Fields: fields}
	}
	return nil
}

// Decision is the routing output.
type Decision struct {
	Selected     rail.ID
	Alternatives []rail.ID
	Excluded     map[rail.ID]string // rail → why it was filtered out
	DecisionTime time.Duration
}

// Ranked returns the selected rail followed by the alternatives.
func (d Decision) Ranked() []rail.ID {
	return append([]rail.ID{d.Selected}, d.Alternatives...)
}

// =============================================================================
// ROUTER
// =============================================================================

// Router ranks rails for a transfer.
type Router struct {
	registry    *rail.RegistryHolder
	health      *rail.HealthBoard
	preferences Preferences
	local       map[string]rail.ID
	now         func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithPreferences overrides the protocol preference tiers.
func WithPreferences(p Preferences) Option { return func(r *Router) { r.preferences = p } }

// WithLocalNetworks overrides the country → instant rail table.
func WithLocalNetworks(m map[string]rail.ID) Option { return func(r *Router) { r.local = m } }

// NewRouter creates a router. health may be nil, in which case every rail
// counts as healthy.
func NewRouter(registry *rail.RegistryHolder, health *rail.HealthBoard, opts ...Option) *Router {
	r := &Router{
		registry:    registry,
		health:      health,
		preferences: DefaultPreferences(),
		local:       DefaultLocalNetworks(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidate struct {
	id   rail.ID
	tier int
	caps rail.Capabilities
}

// Route returns the ranked decision for req.
func (r *Router) Route(req Request) (*Decision, error) {
	start := r.now()

	req.SourceCurrency = strings.ToUpper(req.SourceCurrency)
	req.DestinationCurrency = strings.ToUpper(req.DestinationCurrency)
	req.DestinationCountry = strings.ToUpper(req.DestinationCountry)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tiers, ok := r.preferences[req.Protocol]
	if !ok {
		return nil, &rail.ValidationError{Fields: []rail.FieldError{{Field: "protocol", Message: "is not supported"}}}
	}

	decision := &Decision{Excluded: make(map[rail.ID]string)}
	localRail, hasLocal := r.local[req.DestinationCountry]

	var eligible []candidate
	for _, a := range r.registry.Load().List() {
		id := a.ID()
		caps := a.Capabilities()
		if reason := r.exclude(id, caps, req); reason != "" {
			decision.Excluded[id] = reason
			continue
		}
		tier := tierOf(tiers, id)
		if hasLocal && id == localRail {
			tier = -1
		}
		eligible = append(eligible, candidate{id: id, tier: tier, caps: caps})
	}
	if len(eligible) == 0 {
		decision.DecisionTime = r.now().Sub(start)
		return decision, ErrNoEligibleRail
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.caps.EstimatedTimeSeconds != b.caps.EstimatedTimeSeconds {
			return a.caps.EstimatedTimeSeconds < b.caps.EstimatedTimeSeconds
		}
		if c := a.caps.FeePercentage.Cmp(b.caps.FeePercentage); c != 0 {
			return c < 0
		}
		return a.id < b.id
	})

	decision.Selected = eligible[0].id
	for _, c := range eligible[1:] {
		decision.Alternatives = append(decision.Alternatives, c.id)
	}
	decision.DecisionTime = r.now().Sub(start)
	return decision, nil
}

// exclude returns a non-empty reason when the rail cannot take req.
func (r *Router) exclude(id rail.ID, caps rail.Capabilities, req Request) string {
	switch {
	case !caps.SupportsCurrency(req.SourceCurrency):
		return "currency " + req.SourceCurrency + " not supported"
	case req.DestinationCurrency != "" && !caps.SupportsDestinationCurrency(req.DestinationCurrency):
		return "destination currency " + req.DestinationCurrency + " not supported"
	case req.DestinationCountry != "" && !caps.SupportsCountry(req.DestinationCountry):
		return "country " + req.DestinationCountry + " not supported"
	case !caps.AcceptsAmount(req.Amount):
		return "amount " + req.Amount.String() + " outside rail limits"
	case !r.health.IsHealthy(id):
		return "rail unhealthy"
	}
	return ""
}

func tierOf(tiers [][]rail.ID, id rail.ID) int {
	for i, tier := range tiers {
		for _, t := range tier {
			if t == id {
				return i
			}
		}
	}
	return len(tiers)
}
