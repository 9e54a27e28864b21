/*
Package discrepancy models disagreements between the internal ledger and a
rail, how severe they are, and how operators close them.

PURPOSE:
  A discrepancy is DATA, not an error. The reconciliation engine produces
  them; operators (or a narrow auto-resolve policy) resolve them. Nothing in
  this package is ever logged as a failure.

KEY CONCEPTS:
  - Type:        What disagreed (missing, amount, status, timing, duplicate)
  - Severity:    low < medium < high < critical, from type + amount + thresholds
  - Fingerprint: Stable identity across runs, so re-running a window links the
                 existing open discrepancy instead of inserting a second one
  - Resolution:  One-way, audited closure. There is no "unresolve".

SEE ALSO:
  - severity.go: Thresholds and Classifier
  - resolver.go: Resolve and AutoResolve
  - reconcile/engine.go: Producer
*/
package discrepancy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/rail"
)

// =============================================================================
// TYPE
// =============================================================================

// Type classifies what disagreed.
type Type string

const (
	TypeMissingInLedger Type = "missing_in_ledger"
	TypeMissingInRail   Type = "missing_in_rail"
	TypeAmountMismatch  Type = "amount_mismatch"
	TypeStatusMismatch  Type = "status_mismatch"
	TypeTiming          Type = "timing_discrepancy"
	TypeDuplicate       Type = "duplicate"
)

// AllTypes lists every discrepancy type in report order.
var AllTypes = []Type{
	TypeMissingInLedger, TypeMissingInRail, TypeAmountMismatch,
	TypeStatusMismatch, TypeTiming, TypeDuplicate,
}

// ParseType validates a discrepancy type string.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown discrepancy type %q", s)
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity orders discrepancies by operational urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AllSeverities lists severities from least to most urgent.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns 0..3 for ordering; unknown severities rank -1.
func (s Severity) Rank() int {
	for i, v := range AllSeverities {
		if v == s {
			return i
		}
	}
	return -1
}

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if sev.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// =============================================================================
// DISCREPANCY
// =============================================================================

// Resolution closes a discrepancy. Once set it never changes.
type Resolution struct {
	ResolvedBy string
	ResolvedAt time.Time
	Resolution string
	Notes      string
}

// Discrepancy is one detected disagreement for one transaction.
type Discrepancy struct {
	ID       string
	TenantID string
	Rail     rail.ID
	ReportID string // report that first detected it

	Type     Type
	Severity Severity

	TransferID string
	ExternalID string

	ExpectedAmount *decimal.Decimal // ledger side
	ActualAmount   *decimal.Decimal // rail side
	Currency       string
	ExpectedStatus rail.Status
	ActualStatus   rail.Status

	Description string
	DetectedAt  time.Time
	Fingerprint string

	Resolution *Resolution
}

// IsResolved reports whether the discrepancy has been closed.
func (d Discrepancy) IsResolved() bool { return d.Resolution != nil }

// Fingerprint identifies "the same" discrepancy across runs. Amounts and
// statuses are excluded on purpose: a drifting amount on the same transfer is
// still one open issue.
func Fingerprint(tenant string, r rail.ID, t Type, transferID, externalID string) string {
	return strings.Join([]string{tenant, string(r), string(t), transferID, externalID}, "|")
}

// =============================================================================
// QUERIES & AUDIT
// =============================================================================

// Status filter values for listing.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Filter selects discrepancies for listing. Zero values match everything.
type Filter struct {
	TenantID string
	Status   string // "", open, resolved
	Severity Severity
	Rail     rail.ID
	ReportID string
	Limit    int
}

// AuditEntry is written in the same transaction as the change it describes.
type AuditEntry struct {
	ID         string
	TenantID   string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Detail     string
	At         time.Time
}
