package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/rail"
)

// =============================================================================
// REPORT
// =============================================================================

// Status is the run state machine: running → completed | failed.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Totals compares settled value per currency. Failed and expired
// settlements are excluded on both sides.
type Totals struct {
	Expected   decimal.Decimal `json:"expected"`   // ledger
	Actual     decimal.Decimal `json:"actual"`     // rail
	Difference decimal.Decimal `json:"difference"` // actual - expected
}

// Report is one reconciliation pass over (tenant, rail, window).
type Report struct {
	ID          string
	TenantID    string
	Rail        rail.ID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      Status

	TotalTransactions   int // rail transactions seen
	LedgerTransfers     int
	MatchedTransactions int
	DiscrepancyCount    int

	Totals     map[string]Totals
	ByType     map[discrepancy.Type]int
	BySeverity map[discrepancy.Severity]int

	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    time.Duration
	Error       string
	LastCursor  string // last rail cursor consumed, for operators
}

// RunRequest selects the window to reconcile. The window is [PeriodStart,
// PeriodEnd).
type RunRequest struct {
	TenantID    string
	Rail        rail.ID
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Validate checks the request fields.
func (r RunRequest) Validate() error {
	var fields []rail.FieldError
	if r.TenantID == "" {
		fields = append(fields, rail.FieldError{Field: "tenantId", Message: "is required"})
	}
	if r.Rail == "" {
		fields = append(fields, rail.FieldError{Field: "rail", Message: "is required"})
	}
	if r.PeriodStart.IsZero() || r.PeriodEnd.IsZero() {
		fields = append(fields, rail.FieldError{Field: "period", Message: "start and end are required"})
	} else if !r.PeriodEnd.After(r.PeriodStart) {
		fields = append(fields, rail.FieldError{Field: "periodEnd", Message: "must be after periodStart"})
	}
	if len(fields) > 0 {
		return &rail.ValidationError{Fields: fields}
	}
	return nil
}

func (r RunRequest) lockKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.TenantID, r.Rail,
		r.PeriodStart.UTC().Format(time.RFC3339Nano), r.PeriodEnd.UTC().Format(time.RFC3339Nano))
}

// Result is what Run returns: the report and the discrepancies linked to it.
// A discrepancy whose ReportID equals Report.ID was first detected by this
// run; the others were already open and are linked again.
type Result struct {
	Report        Report
	Discrepancies []discrepancy.Discrepancy
}

// ReportFilter selects reports for listing.
type ReportFilter struct {
	TenantID string
	Rail     rail.ID
	Status   Status
	Limit    int
}

// =============================================================================
// STORE
// =============================================================================

// Store persists reports and discrepancies.
type Store interface {
	CreateReport(ctx context.Context, r Report) error

	// CompleteRun writes the completed report and its discrepancies in one
	// transaction. A discrepancy whose fingerprint matches an open one is
	// linked to the report instead of inserted. It returns the stored
	// discrepancies in input order.
	CompleteRun(ctx context.Context, r Report, ds []discrepancy.Discrepancy) ([]discrepancy.Discrepancy, error)

	// FailRun marks the report failed. No discrepancies are written.
	FailRun(ctx context.Context, r Report) error

	GetReport(ctx context.Context, tenant, id string) (*Report, error)
	ListReports(ctx context.Context, f ReportFilter) ([]Report, error)
	ListDiscrepancies(ctx context.Context, f discrepancy.Filter) ([]discrepancy.Discrepancy, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrReportNotFound is returned when the report does not exist for the tenant.
	ErrReportNotFound = errors.New("reconciliation report not found")

	// ErrRunInProgress is returned when the same window is already running.
	ErrRunInProgress = errors.New("reconciliation already running for this window")

	// ErrRunFailed is the sentinel behind FailedError.
	ErrRunFailed = errors.New("reconciliation run failed")
)

// FailedError is returned when the run could not complete. The failed report
// has been persisted and the window can be re-run.
type FailedError struct {
	ReportID string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("reconciliation %s failed: %v", e.ReportID, e.Err)
}

func (e *FailedError) Unwrap() []error { return []error{ErrRunFailed, e.Err} }

// IsNotFound returns true if the report does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrReportNotFound) }

// IsConflict returns true if the window is already being reconciled.
func IsConflict(err error) bool { return errors.Is(err, ErrRunInProgress) }
