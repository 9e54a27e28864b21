/*
Package sandbox provides in-memory rail adapters for tests and sandbox tenants.

PURPOSE:
  Real rail clients are pluggable adapters outside this repository. The
  sandbox stands in for all five rails with one concrete type per rail,
  sharing a Network that plays the part of "the outside world".

LIFECYCLE:
  A Network is an explicit value: construct one per test or per sandbox
  tenant session and inject it into each adapter. There is no package-level
  state, so tests stay isolated and can run in parallel.

BEHAVIOR:
  - Submissions are at-least-once: the network never deduplicates, exactly
    like a real rail that the executor must protect.
  - Status advances with the network clock: pending, then processing at half
    the rail's declared settlement time, then completed.
  - Cross-currency corridors use a fixed demo FX table and the rail's fee.
  - Fault hooks simulate outages, dropped events and rail-side duplicates.

SEE ALSO:
  - adapters.go: Per-rail adapter types
  - rail/adapter.go: The contract implemented here
*/
package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// DefaultFXRates is the demo FX table used for cross-currency corridors.
var DefaultFXRates = map[string]decimal.Decimal{
	"USD>BRL":  decimal.RequireFromString("5.95"),
	"USDC>BRL": decimal.RequireFromString("5.95"),
	"USD>MXN":  decimal.RequireFromString("17.20"),
	"USDC>MXN": decimal.RequireFromString("17.20"),
	"USD>EUR":  decimal.RequireFromString("0.92"),
}

// Network is the shared, explicitly scoped state behind sandbox adapters.
type Network struct {
	mu sync.Mutex

	clock    func() time.Time
	fx       map[string]decimal.Decimal
	seq      int
	records  []*record
	byExtID  map[string]*record
	balances map[balanceKey]*rail.Balance

	faults    map[rail.ID]*fault
	down      map[rail.ID]bool
	unhealthy map[rail.ID]string
}

type record struct {
	tx       rail.Transaction
	duration time.Duration
	pinned   bool // injected records keep their status
	dropped  bool // hidden from history listings
}

type balanceKey struct {
	rail     rail.ID
	currency string
}

type fault struct {
	remaining int
	kind      rail.Kind
	code      string
}

// Option configures a Network.
type Option func(*Network)

// WithClock overrides the network clock.
func WithClock(clock func() time.Time) Option {
	return func(n *Network) { n.clock = clock }
}

// WithFXRates overrides the FX table.
func WithFXRates(rates map[string]decimal.Decimal) Option {
	return func(n *Network) { n.fx = rates }
}

// NewNetwork creates an empty sandbox network.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		clock:     func() time.Time { return time.Now().UTC() },
		fx:        DefaultFXRates,
		byExtID:   make(map[string]*record),
		balances:  make(map[balanceKey]*rail.Balance),
		faults:    make(map[rail.ID]*fault),
		down:      make(map[rail.ID]bool),
		unhealthy: make(map[rail.ID]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// FailNext makes the next n remote calls to the rail fail with kind.
func (n *Network) FailNext(id rail.ID, count int, kind rail.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	code := "503"
	if kind == rail.KindFatal {
		code = "invalid_recipient"
	}
	n.faults[id] = &fault{remaining: count, kind: kind, code: code}
}

// SetUnreachable makes every remote call to the rail fail transiently.
func (n *Network) SetUnreachable(id rail.ID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

// SetHealthy controls what HealthCheck reports.
func (n *Network) SetHealthy(id rail.ID, healthy bool, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if healthy {
		delete(n.unhealthy, id)
		return
	}
	n.unhealthy[id] = message
}

// InjectTransaction adds a rail-side record the core never submitted, e.g.
// an orphan from a crash or a rail-side duplicate. Its status is pinned.
// Injecting an existing external id replaces that record.
func (n *Network) InjectTransaction(tx rail.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tx.ExternalID == "" {
		n.seq++
		tx.ExternalID = fmt.Sprintf("%s_inj_%06d", tx.Rail, n.seq)
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = n.clock()
	}
	if r, ok := n.byExtID[tx.ExternalID]; ok {
		r.tx, r.pinned, r.dropped = tx, true, false
		return
	}
	r := &record{tx: tx, pinned: true}
	n.records = append(n.records, r)
	n.byExtID[tx.ExternalID] = r
}

// SetStatus pins a transaction to a status, as if the rail changed it.
func (n *Network) SetStatus(externalID string, status rail.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.byExtID[externalID]
	if !ok {
		return rail.ErrTransactionNotFound
	}
	r.tx.Status = status
	r.pinned = true
	if status == rail.StatusCompleted && r.tx.CompletedAt == nil {
		now := n.clock()
		r.tx.CompletedAt = &now
	}
	return nil
}

// Drop hides a transaction from history listings, like a rail that silently
// lost the event. GetTransaction still finds it.
func (n *Network) Drop(externalID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.byExtID[externalID]; ok {
		r.dropped = true
	}
}

// Fund sets the available balance for a rail and currency. Unfunded pairs
// are not balance-checked.
func (n *Network) Fund(id rail.ID, currency string, amount decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[balanceKey{id, currency}] = &rail.Balance{
		Rail:      id,
		Currency:  currency,
		Available: amount,
		UpdatedAt: n.clock(),
	}
}

// Count returns how many records the rail holds, dropped ones included.
func (n *Network) Count(id rail.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.records {
		if r.tx.Rail == id {
			c++
		}
	}
	return c
}

// =============================================================================
// REMOTE OPERATIONS (called by adapters)
// =============================================================================

// checkFaultLocked consumes an injected fault, if any.
func (n *Network) checkFaultLocked(id rail.ID) error {
	if n.down[id] {
		return rail.NewTransient(id, "503", "rail unreachable")
	}
	f, ok := n.faults[id]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return &rail.Error{Rail: id, Kind: f.kind, Code: f.code, Message: "injected fault"}
}

func (n *Network) submit(id rail.ID, caps rail.Capabilities, prefix string, instant bool, req rail.SettlementRequest) (*rail.SettlementResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFaultLocked(id); err != nil {
		return nil, err
	}

	now := n.clock()
	fee := req.Amount.Mul(caps.FeePercentage).Div(decimal.NewFromInt(100)).Round(2)

	if bal, ok := n.balances[balanceKey{id, req.Currency}]; ok {
		debit := req.Amount.Add(fee)
		if bal.Available.LessThan(debit) {
			return nil, rail.NewFatal(id, "insufficient_funds", fmt.Sprintf("available %s, need %s", bal.Available, debit))
		}
		bal.Available = bal.Available.Sub(debit)
		bal.Pending = bal.Pending.Add(req.Amount)
		bal.UpdatedAt = now
	}

	n.seq++
	tx := rail.Transaction{
		ExternalID:     fmt.Sprintf("%s_%06d", prefix, n.seq),
		TransferID:     req.TransferID,
		Rail:           id,
		Status:         rail.StatusPending,
		SourceAmount:   req.Amount,
		SourceCurrency: req.Currency,
		Fee:            fee,
		SubmittedAt:    now,
		Metadata:       copyMeta(req.Metadata),
	}
	if req.DestinationCurrency != "" && req.DestinationCurrency != req.Currency {
		rate, ok := n.fx[req.Currency+">"+req.DestinationCurrency]
		if !ok {
			return nil, rail.NewFatal(id, "unsupported_corridor", req.Currency+"→"+req.DestinationCurrency)
		}
		dest := req.Amount.Sub(fee).Mul(rate).Round(2)
		tx.DestinationAmount = &dest
		tx.DestinationCurrency = req.DestinationCurrency
		tx.FXRate = &rate
	}

	r := &record{tx: tx, duration: time.Duration(caps.EstimatedTimeSeconds) * time.Second}
	if instant {
		r.duration = 0
	}
	n.records = append(n.records, r)
	n.byExtID[tx.ExternalID] = r
	n.advanceLocked(r, now)

	eta := caps.EstimatedCompletion(now)
	return &rail.SettlementResponse{
		Success:             true,
		ExternalID:          tx.ExternalID,
		Status:              r.tx.Status,
		EstimatedCompletion: &eta,
		SubmittedAt:         &now,
	}, nil
}

// advanceLocked moves a record along pending → processing → completed.
func (n *Network) advanceLocked(r *record, now time.Time) {
	if r.pinned || r.tx.Status.IsTerminal() {
		return
	}
	elapsed := now.Sub(r.tx.SubmittedAt)
	switch {
	case elapsed >= r.duration:
		confirmed := r.tx.SubmittedAt.Add(r.duration / 2)
		completed := r.tx.SubmittedAt.Add(r.duration)
		r.tx.Status = rail.StatusCompleted
		r.tx.ConfirmedAt = &confirmed
		r.tx.CompletedAt = &completed
		if bal, ok := n.balances[balanceKey{r.tx.Rail, r.tx.SourceCurrency}]; ok {
			bal.Pending = bal.Pending.Sub(r.tx.SourceAmount)
			bal.UpdatedAt = now
		}
	case elapsed >= r.duration/2:
		confirmed := r.tx.SubmittedAt.Add(r.duration / 2)
		r.tx.Status = rail.StatusProcessing
		r.tx.ConfirmedAt = &confirmed
	}
}

func (n *Network) get(id rail.ID, ref rail.Reference) (*rail.Transaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFaultLocked(id); err != nil {
		return nil, err
	}
	now := n.clock()
	if ref.ExternalID != "" {
		r, ok := n.byExtID[ref.ExternalID]
		if !ok || r.tx.Rail != id {
			return nil, rail.ErrTransactionNotFound
		}
		n.advanceLocked(r, now)
		tx := r.tx
		return &tx, nil
	}
	// Latest submission wins when the rail holds several for one transfer.
	for i := len(n.records) - 1; i >= 0; i-- {
		r := n.records[i]
		if r.tx.Rail == id && r.tx.TransferID != "" && r.tx.TransferID == ref.TransferID {
			n.advanceLocked(r, now)
			tx := r.tx
			return &tx, nil
		}
	}
	return nil, rail.ErrTransactionNotFound
}

func (n *Network) list(id rail.ID, q rail.TransactionQuery) (*rail.TransactionPage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFaultLocked(id); err != nil {
		return nil, err
	}
	now := n.clock()

	var matched []rail.Transaction
	for _, r := range n.records {
		if r.tx.Rail != id || r.dropped {
			continue
		}
		n.advanceLocked(r, now)
		if r.tx.SubmittedAt.Before(q.From) || !r.tx.SubmittedAt.Before(q.To) {
			continue
		}
		if q.Status != "" && r.tx.Status != q.Status {
			continue
		}
		matched = append(matched, r.tx)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.Before(matched[j].SubmittedAt)
		}
		return matched[i].ExternalID < matched[j].ExternalID
	})

	offset := 0
	if q.Cursor != "" {
		o, err := strconv.Atoi(q.Cursor)
		if err != nil || o < 0 {
			return nil, &rail.Error{Rail: id, Kind: rail.KindValidation, Code: "invalid_cursor", Message: q.Cursor}
		}
		offset = o
	}
	size := q.PageSize
	if size <= 0 {
		size = 100
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}

	page := &rail.TransactionPage{Transactions: matched[offset:end]}
	if end < len(matched) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (n *Network) balance(id rail.ID, currency string) *rail.Balance {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.balances[balanceKey{id, currency}]; ok {
		out := *b
		return &out
	}
	return &rail.Balance{Rail: id, Currency: currency, UpdatedAt: n.clock()}
}

func (n *Network) health(id rail.ID) rail.HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	if n.down[id] {
		return rail.HealthStatus{Healthy: false, Message: "rail unreachable", CheckedAt: now}
	}
	if msg, ok := n.unhealthy[id]; ok {
		return rail.HealthStatus{Healthy: false, Message: msg, CheckedAt: now}
	}
	return rail.HealthStatus{Healthy: true, Message: "ok", CheckedAt: now}
}

func (n *Network) cancel(id rail.ID, externalID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFaultLocked(id); err != nil {
		return err
	}
	r, ok := n.byExtID[externalID]
	if !ok || r.tx.Rail != id {
		return rail.ErrTransactionNotFound
	}
	n.advanceLocked(r, n.clock())
	if r.tx.Status != rail.StatusPending {
		return fmt.Errorf("%w: settlement is %s", rail.ErrCancelNotSupported, r.tx.Status)
	}
	r.tx.Status = rail.StatusFailed
	r.tx.ErrorMessage = "cancelled"
	r.pinned = true
	if bal, ok := n.balances[balanceKey{id, r.tx.SourceCurrency}]; ok {
		bal.Pending = bal.Pending.Sub(r.tx.SourceAmount)
		bal.Available = bal.Available.Add(r.tx.SourceAmount).Add(r.tx.Fee)
	}
	return nil
}

func copyMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
