package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
)

// =============================================================================
// MATCHER - Pure comparison of one ledger window against one rail window
// =============================================================================
//
// The ledger side is indexed up front. Rail pages are then streamed through
// observe(): a transaction whose external id hits the index is compared at
// once. The rest (orphans, transfer-id fallbacks, rail-side duplicates) are
// held back until finish(), so memory grows with anomalies, not with the
// window. A rail row delivered twice (offset paging while rows land) is
// counted once; only a second external id for one transfer is a duplicate.

type entry struct {
	transfer ledger.Transfer
	matched  bool
}

type matcher struct {
	tenant     string
	rail       rail.ID
	reportID   string
	thresholds discrepancy.Thresholds
	now        time.Time

	byExternal map[string]*entry
	byTransfer map[string]*entry
	entries    []*entry

	seenTransfer map[string]string   // transfer id → first external id on the rail
	seenExternal map[string]struct{} // every external id observed
	deferred     []rail.Transaction

	railCount   int
	redelivered int
	matched     int
	totals    map[string]*Totals
	found     []discrepancy.Discrepancy
}

func newMatcher(tenant string, id rail.ID, reportID string, th discrepancy.Thresholds, now time.Time) *matcher {
	return &matcher{
		tenant:       tenant,
		rail:         id,
		reportID:     reportID,
		thresholds:   th,
		now:          now,
		byExternal:   make(map[string]*entry),
		byTransfer:   make(map[string]*entry),
		seenTransfer: make(map[string]string),
		seenExternal: make(map[string]struct{}),
		totals:       make(map[string]*Totals),
	}
}

// index adds ledger transfers to the match index.
func (m *matcher) index(transfers []ledger.Transfer) {
	for _, t := range transfers {
		if _, dup := m.byTransfer[t.TransferID]; dup && t.TransferID != "" {
			continue
		}
		e := &entry{transfer: t}
		m.entries = append(m.entries, e)
		if t.ExternalID != "" {
			m.byExternal[t.ExternalID] = e
		}
		if t.TransferID != "" {
			m.byTransfer[t.TransferID] = e
		}
		if settledValue(t.Status) {
			m.total(t.Currency).Expected = m.total(t.Currency).Expected.Add(t.Amount)
		}
	}
}

// observe consumes one rail transaction.
func (m *matcher) observe(tx rail.Transaction) {
	if tx.ExternalID != "" {
		if _, ok := m.seenExternal[tx.ExternalID]; ok {
			m.redelivered++
			return
		}
		m.seenExternal[tx.ExternalID] = struct{}{}
	}
	m.railCount++
	if settledValue(tx.Status) {
		m.total(tx.SourceCurrency).Actual = m.total(tx.SourceCurrency).Actual.Add(tx.SourceAmount)
	}
	if e, ok := m.byExternal[tx.ExternalID]; ok && !e.matched {
		m.pair(e, tx)
		return
	}
	m.deferred = append(m.deferred, tx)
}

// finish resolves deferred rail transactions and unmatched ledger transfers.
func (m *matcher) finish() {
	for _, tx := range m.deferred {
		if tx.TransferID != "" {
			if first, ok := m.seenTransfer[tx.TransferID]; ok && first != tx.ExternalID {
				m.emit(discrepancy.TypeDuplicate, tx.SourceAmount, discrepancy.Discrepancy{
					TransferID:   tx.TransferID,
					ExternalID:   tx.ExternalID,
					ActualAmount: ptr(tx.SourceAmount),
					Currency:     tx.SourceCurrency,
					ActualStatus: tx.Status,
					Description: fmt.Sprintf("rail holds %s and %s for transfer %s",
						first, tx.ExternalID, tx.TransferID),
				})
				continue
			}
			if e, ok := m.byTransfer[tx.TransferID]; ok && !e.matched {
				m.pair(e, tx)
				continue
			}
			m.seenTransfer[tx.TransferID] = tx.ExternalID
		}
		m.emit(discrepancy.TypeMissingInLedger, tx.SourceAmount, discrepancy.Discrepancy{
			TransferID:   tx.TransferID,
			ExternalID:   tx.ExternalID,
			ActualAmount: ptr(tx.SourceAmount),
			Currency:     tx.SourceCurrency,
			ActualStatus: tx.Status,
			Description:  fmt.Sprintf("rail transaction %s (%s) has no ledger transfer", tx.ExternalID, tx.Status),
		})
	}
	m.deferred = nil

	for _, e := range m.entries {
		if e.matched || !expectedOnRail(e.transfer) {
			continue
		}
		t := e.transfer
		m.emit(discrepancy.TypeMissingInRail, t.Amount, discrepancy.Discrepancy{
			TransferID:     t.TransferID,
			ExternalID:     t.ExternalID,
			ExpectedAmount: ptr(t.Amount),
			Currency:       t.Currency,
			ExpectedStatus: t.Status,
			Description:    fmt.Sprintf("ledger transfer %s (%s) not found on %s", t.TransferID, t.Status, m.rail),
		})
	}
}

// pair compares a matched ledger transfer and rail transaction.
func (m *matcher) pair(e *entry, tx rail.Transaction) {
	e.matched = true
	if tx.TransferID != "" {
		m.seenTransfer[tx.TransferID] = tx.ExternalID
	} else if e.transfer.TransferID != "" {
		m.seenTransfer[e.transfer.TransferID] = tx.ExternalID
	}

	t := e.transfer
	base := discrepancy.Discrepancy{
		TransferID:     t.TransferID,
		ExternalID:     tx.ExternalID,
		ExpectedAmount: ptr(t.Amount),
		ActualAmount:   ptr(tx.SourceAmount),
		Currency:       t.Currency,
		ExpectedStatus: t.Status,
		ActualStatus:   tx.Status,
	}
	clean := true

	if t.Currency != tx.SourceCurrency || m.thresholds.AmountsDiffer(t.Amount, tx.SourceAmount) {
		d := base
		d.Description = fmt.Sprintf("ledger %s %s, rail %s %s",
			t.Amount, t.Currency, tx.SourceAmount, tx.SourceCurrency)
		m.emit(discrepancy.TypeAmountMismatch, t.Amount, d)
		clean = false
	}
	if !statusesAgree(t.Status, tx.Status) {
		d := base
		d.Description = fmt.Sprintf("ledger %s, rail %s", t.Status, tx.Status)
		m.emit(discrepancy.TypeStatusMismatch, t.Amount, d)
		clean = false
	}
	if m.thresholds.TimesDiffer(t.CompletedAt, tx.CompletedAt) {
		d := base
		d.Description = fmt.Sprintf("completed on ledger at %s, on rail at %s",
			t.CompletedAt.UTC().Format(time.RFC3339), tx.CompletedAt.UTC().Format(time.RFC3339))
		m.emit(discrepancy.TypeTiming, t.Amount, d)
		clean = false
	}
	if clean {
		m.matched++
	}
}

func (m *matcher) emit(typ discrepancy.Type, amount decimal.Decimal, d discrepancy.Discrepancy) {
	d.ID = uuid.NewString()
	d.TenantID = m.tenant
	d.Rail = m.rail
	d.ReportID = m.reportID
	d.Type = typ
	d.Severity = m.thresholds.Severity(typ, amount, d.ExpectedStatus, d.ActualStatus)
	d.DetectedAt = m.now
	d.Fingerprint = discrepancy.Fingerprint(m.tenant, m.rail, typ, d.TransferID, d.ExternalID)
	m.found = append(m.found, d)
}

func (m *matcher) total(currency string) *Totals {
	t, ok := m.totals[currency]
	if !ok {
		t = &Totals{}
		m.totals[currency] = t
	}
	return t
}

// summarize fills the counters and totals of r.
func (m *matcher) summarize(r *Report) {
	r.TotalTransactions = m.railCount
	r.LedgerTransfers = len(m.entries)
	r.MatchedTransactions = m.matched
	r.DiscrepancyCount = len(m.found)
	r.Totals = make(map[string]Totals, len(m.totals))
	for cur, t := range m.totals {
		r.Totals[cur] = Totals{Expected: t.Expected, Actual: t.Actual, Difference: t.Actual.Sub(t.Expected)}
	}
	r.ByType = make(map[discrepancy.Type]int)
	r.BySeverity = make(map[discrepancy.Severity]int)
	for _, d := range m.found {
		r.ByType[d.Type]++
		r.BySeverity[d.Severity]++
	}
}

// statusesAgree: equal, both still in flight, or both failed-ish.
func statusesAgree(ledgerStatus, railStatus rail.Status) bool {
	if ledgerStatus == railStatus {
		return true
	}
	if ledgerStatus.IsInFlight() && railStatus.IsInFlight() {
		return true
	}
	return noValue(ledgerStatus) && noValue(railStatus)
}

func noValue(s rail.Status) bool { return s == rail.StatusFailed || s == rail.StatusExpired }

func settledValue(s rail.Status) bool { return !noValue(s) }

// expectedOnRail: a transfer the rail rejected and never referenced is not
// missing from the rail.
func expectedOnRail(t ledger.Transfer) bool {
	return t.ExternalID != "" || !noValue(t.Status)
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
