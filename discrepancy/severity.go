/*
severity.go - Tenant thresholds and the severity classifier

RULES (amounts compared in the transfer's source currency):

  amount_mismatch     |delta| must exceed AmountTolerance to exist at all.
                      amount >= CriticalAmount → critical, otherwise medium.

  status_mismatch     Both sides terminal and they disagree on whether funds
                      moved, amount >= CriticalAmount → critical.
                      Otherwise amount >= TrivialAmount → high, else medium.
                      (ledger pending vs rail completed on $1000 → high)

  missing_in_ledger   high
  missing_in_rail     high

  timing_discrepancy  low. Exists when completion times differ by more than
                      TimingThreshold.

  duplicate           amount >= CriticalAmount → high, otherwise low.

  Tolerances are explicit per-tenant configuration. Nothing here is a
  hidden constant; DefaultThresholds only supplies the configured fallback.
*/
package discrepancy

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// Thresholds drive severity and the existence tests for amount and timing
// discrepancies.
type Thresholds struct {
	CriticalAmount  decimal.Decimal
	TrivialAmount   decimal.Decimal
	AmountTolerance decimal.Decimal
	TimingThreshold time.Duration
}

// DefaultThresholds returns the fallback used when a tenant has none.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalAmount:  decimal.NewFromInt(1000),
		TrivialAmount:   decimal.NewFromInt(1),
		AmountTolerance: decimal.RequireFromString("0.01"),
		TimingThreshold: time.Hour,
	}
}

// AmountsDiffer reports whether expected and actual differ beyond tolerance.
func (t Thresholds) AmountsDiffer(expected, actual decimal.Decimal) bool {
	return expected.Sub(actual).Abs().GreaterThan(t.AmountTolerance)
}

// TimesDiffer reports whether two completion times differ beyond the
// timing threshold. A missing side never counts as a timing discrepancy.
func (t Thresholds) TimesDiffer(expected, actual *time.Time) bool {
	if expected == nil || actual == nil {
		return false
	}
	d := expected.Sub(*actual)
	if d < 0 {
		d = -d
	}
	return d > t.TimingThreshold
}

// Severity classifies one discrepancy.
func (t Thresholds) Severity(typ Type, amount decimal.Decimal, expected, actual rail.Status) Severity {
	amount = amount.Abs()
	critical := amount.GreaterThanOrEqual(t.CriticalAmount)

	switch typ {
	case TypeAmountMismatch:
		if critical {
			return SeverityCritical
		}
		return SeverityMedium

	case TypeStatusMismatch:
		if critical && terminalConflict(expected, actual) {
			return SeverityCritical
		}
		if amount.GreaterThanOrEqual(t.TrivialAmount) {
			return SeverityHigh
		}
		return SeverityMedium

	case TypeMissingInLedger, TypeMissingInRail:
		return SeverityHigh

	case TypeDuplicate:
		if critical {
			return SeverityHigh
		}
		return SeverityLow

	case TypeTiming:
		return SeverityLow
	}
	return SeverityMedium
}

// terminalConflict: both sides are final and only one says money moved.
func terminalConflict(expected, actual rail.Status) bool {
	return expected.IsTerminal() && actual.IsTerminal() &&
		expected.MovedFunds() != actual.MovedFunds()
}

// =============================================================================
// CLASSIFIER - Per-tenant threshold lookup
// =============================================================================

// Classifier resolves the thresholds of a tenant.
type Classifier struct {
	Default   Thresholds
	PerTenant map[string]Thresholds
}

// NewClassifier creates a classifier with the given fallback.
func NewClassifier(def Thresholds, perTenant map[string]Thresholds) *Classifier {
	if perTenant == nil {
		perTenant = map[string]Thresholds{}
	}
	return &Classifier{Default: def, PerTenant: perTenant}
}

// For returns the thresholds configured for tenant.
func (c *Classifier) For(tenant string) Thresholds {
	if c == nil {
		return DefaultThresholds()
	}
	if t, ok := c.PerTenant[tenant]; ok {
		return t
	}
	return c.Default
}
