package discrepancy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/store/sqlite"
)

var detected = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// seed stores one open discrepancy per id through a completed report.
func seed(t *testing.T, s *sqlite.Store, typ discrepancy.Type, sev discrepancy.Severity, ids ...string) {
	t.Helper()
	ctx := context.Background()
	report := reconcile.Report{
		ID: "report-" + ids[0], TenantID: "tenant-a", Rail: rail.Pix,
		PeriodStart: detected.Add(-time.Hour), PeriodEnd: detected,
		Status: reconcile.StatusRunning, StartedAt: detected,
	}
	require.NoError(t, s.CreateReport(ctx, report))

	var ds []discrepancy.Discrepancy
	for _, id := range ids {
		amt := decimal.NewFromInt(25)
		ds = append(ds, discrepancy.Discrepancy{
			ID: id, TenantID: "tenant-a", Rail: rail.Pix, ReportID: report.ID,
			Type: typ, Severity: sev, TransferID: "tr-" + id, ExternalID: "pix_" + id,
			ActualAmount: &amt, Currency: "USD", ActualStatus: rail.StatusCompleted,
			DetectedAt:  detected,
			Fingerprint: discrepancy.Fingerprint("tenant-a", rail.Pix, typ, "tr-"+id, "pix_"+id),
		})
	}
	report.Status = reconcile.StatusCompleted
	report.DiscrepancyCount = len(ds)
	_, err := s.CompleteRun(ctx, report, ds)
	require.NoError(t, err)
}

func newResolver(t *testing.T) (*discrepancy.Resolver, *sqlite.Store, *events.Recorder) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	rec := &events.Recorder{}
	return discrepancy.NewResolver(s, rec, nil), s, rec
}

func request(id, text string) discrepancy.ResolveRequest {
	return discrepancy.ResolveRequest{
		TenantID:   "tenant-a",
		ID:         id,
		Resolution: text,
		ResolvedBy: "ops@warp",
		Notes:      "checked against bank statement",
	}
}

func TestResolve_ClosesAndAudits(t *testing.T) {
	r, s, rec := newResolver(t)
	seed(t, s, discrepancy.TypeMissingInLedger, discrepancy.SeverityHigh, "d1")
	ctx := context.Background()

	// WHEN: An operator resolves it
	d, err := r.Resolve(ctx, request("d1", "booked manually"))

	// THEN: It is closed, audited and announced
	require.NoError(t, err)
	require.True(t, d.IsResolved())
	assert.Equal(t, "booked manually", d.Resolution.Resolution)
	assert.Equal(t, "ops@warp", d.Resolution.ResolvedBy)
	assert.Equal(t, "checked against bank statement", d.Resolution.Notes)

	audit, err := s.AuditLog(ctx, "tenant-a", "d1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "discrepancy.resolve", audit[0].Action)
	assert.Equal(t, "ops@warp", audit[0].Actor)

	assert.Len(t, rec.OfType(events.TypeDiscrepancyResolved), 1)
}

func TestResolve_SameTextTwiceIsIdempotent(t *testing.T) {
	r, s, rec := newResolver(t)
	seed(t, s, discrepancy.TypeMissingInLedger, discrepancy.SeverityHigh, "d1")
	ctx := context.Background()

	first, err := r.Resolve(ctx, request("d1", "booked manually"))
	require.NoError(t, err)
	second, err := r.Resolve(ctx, request("d1", "booked manually"))
	require.NoError(t, err)

	assert.Equal(t, first.Resolution.ResolvedAt, second.Resolution.ResolvedAt)
	audit, err := s.AuditLog(ctx, "tenant-a", "d1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
	assert.Len(t, rec.OfType(events.TypeDiscrepancyResolved), 1)
}

func TestResolve_DifferentTextConflicts(t *testing.T) {
	r, s, _ := newResolver(t)
	seed(t, s, discrepancy.TypeMissingInLedger, discrepancy.SeverityHigh, "d1")
	ctx := context.Background()

	_, err := r.Resolve(ctx, request("d1", "booked manually"))
	require.NoError(t, err)

	_, err = r.Resolve(ctx, request("d1", "rail error, ignore"))

	require.Error(t, err)
	assert.True(t, discrepancy.IsConflict(err))
	var already *discrepancy.AlreadyResolvedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "booked manually", already.Existing.Resolution)
}

func TestResolve_NotFound(t *testing.T) {
	r, s, _ := newResolver(t)
	seed(t, s, discrepancy.TypeMissingInLedger, discrepancy.SeverityHigh, "d1")

	_, err := r.Resolve(context.Background(), request("nope", "x"))
	assert.True(t, discrepancy.IsNotFound(err))

	other := request("d1", "x")
	other.TenantID = "tenant-b"
	_, err = r.Resolve(context.Background(), other)
	assert.True(t, discrepancy.IsNotFound(err))
}

func TestResolve_Validation(t *testing.T) {
	r, _, _ := newResolver(t)

	_, err := r.Resolve(context.Background(), discrepancy.ResolveRequest{TenantID: "tenant-a", ID: "d1"})

	require.Error(t, err)
	assert.True(t, rail.IsValidation(err))
	var verr *rail.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)
}

func TestResolve_ConcurrentResolversOneWinner(t *testing.T) {
	r, s, _ := newResolver(t)
	seed(t, s, discrepancy.TypeMissingInLedger, discrepancy.SeverityHigh, "d1")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(ctx, request("d1", "booked manually"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	audit, err := s.AuditLog(ctx, "tenant-a", "d1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestAutoResolve_OnlyWithinPolicy(t *testing.T) {
	r, s, _ := newResolver(t)
	seed(t, s, discrepancy.TypeDuplicate, discrepancy.SeverityLow, "dup1", "dup2")
	seed(t, s, discrepancy.TypeMissingInRail, discrepancy.SeverityHigh, "miss1")
	ctx := context.Background()

	all, err := s.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, all, 3)

	policy := discrepancy.AutoPolicy{Enabled: true, Types: []discrepancy.Type{discrepancy.TypeDuplicate}, MaxSeverity: discrepancy.SeverityLow}
	closed, err := r.AutoResolve(ctx, policy, all)

	require.NoError(t, err)
	assert.Len(t, closed, 2)
	for _, d := range closed {
		assert.Equal(t, discrepancy.TypeDuplicate, d.Type)
		assert.Equal(t, discrepancy.AutoResolver, d.Resolution.ResolvedBy)
	}

	open, err := s.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: "tenant-a", Status: discrepancy.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "miss1", open[0].ID)
}

func TestAutoResolve_InvalidPolicyResolvesNothing(t *testing.T) {
	r, s, _ := newResolver(t)
	seed(t, s, discrepancy.TypeMissingInRail, discrepancy.SeverityHigh, "miss1")
	ctx := context.Background()
	all, err := s.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)

	policy := discrepancy.AutoPolicy{Enabled: true, Types: []discrepancy.Type{discrepancy.TypeMissingInRail}, MaxSeverity: discrepancy.SeverityHigh}
	closed, err := r.AutoResolve(ctx, policy, all)

	assert.ErrorIs(t, err, discrepancy.ErrInvalidPolicy)
	assert.Empty(t, closed)
}
