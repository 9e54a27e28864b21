package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/settlement"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(key, owner string) settlement.Record {
	return settlement.Record{
		IdempotencyKey:      key,
		TenantID:            "tenant-a",
		TransferID:          "tr-1",
		Rail:                rail.Pix,
		Amount:              decimal.RequireFromString("1000.50"),
		Currency:            "USD",
		DestinationCurrency: "BRL",
		DestinationAccount:  "pix-key-123",
		DestinationCountry:  "BR",
		State:               settlement.StateInFlight,
		Owner:               owner,
		Status:              rail.StatusPending,
		ClaimedAt:           base,
		UpdatedAt:           base,
	}
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func TestClaim_FirstWinsSecondReadsExisting(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: A claimed key
	_, won, err := s.Claim(ctx, record("k1", "owner-a"))
	require.NoError(t, err)
	require.True(t, won)

	// WHEN: Another owner claims the same key
	existing, won, err := s.Claim(ctx, record("k1", "owner-b"))

	// THEN: It loses and sees the first owner's record
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "owner-a", existing.Owner)
	assert.True(t, existing.Amount.Equal(decimal.RequireFromString("1000.50")))
	assert.Equal(t, "BR", existing.DestinationCountry)
	assert.Equal(t, base, existing.ClaimedAt)
}

func TestClaim_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, won, err := s.Claim(ctx, record("k1", "owner"))
			assert.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestClaim_OneClaimPerTransfer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: tr-1 claimed under request key k1
	first := record(settlement.DeriveKey("tenant-a", "tr-1"), "owner-a")
	first.RequestKey = "k1"
	_, won, err := s.Claim(ctx, first)
	require.NoError(t, err)
	require.True(t, won)

	// WHEN: The same transfer arrives with another request key and a stray claim key
	again := record("stray", "owner-b")
	again.RequestKey = "k2"
	existing, won, err := s.Claim(ctx, again)

	// THEN: The first claim is returned
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "owner-a", existing.Owner)
	assert.Equal(t, "k1", existing.RequestKey)
}

func TestClaim_RequestKeyScopedToTenant(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: tenant-a used request key order-1 for tr-1
	a := record(settlement.DeriveKey("tenant-a", "tr-1"), "owner-a")
	a.RequestKey = "order-1"
	_, won, err := s.Claim(ctx, a)
	require.NoError(t, err)
	require.True(t, won)

	// WHEN: tenant-b uses the same request key
	b := record(settlement.DeriveKey("tenant-b", "tr-b"), "owner-b")
	b.TenantID, b.TransferID, b.RequestKey = "tenant-b", "tr-b", "order-1"
	_, won, err = s.Claim(ctx, b)

	// THEN: It gets its own claim
	require.NoError(t, err)
	assert.True(t, won)

	// WHEN: tenant-a reuses order-1 for a different transfer
	c := record(settlement.DeriveKey("tenant-a", "tr-2"), "owner-c")
	c.TransferID, c.RequestKey = "tr-2", "order-1"
	existing, won, err := s.Claim(ctx, c)

	// THEN: The claim loses to the record that owns the key
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "tr-1", existing.TransferID)
}

func TestTakeOver_RequiresPreviousOwner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, _, err := s.Claim(ctx, record("k1", "owner-a"))
	require.NoError(t, err)

	next := record("k1", "owner-b")
	next.ClaimedAt = base.Add(5 * time.Minute)

	// WHEN: Taking over with a stale owner token
	won, err := s.TakeOver(ctx, "someone-else", next)
	require.NoError(t, err)
	assert.False(t, won)

	// WHEN: Taking over with the current owner token
	won, err = s.TakeOver(ctx, "owner-a", next)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := s.GetSettlement(ctx, "tenant-a", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-b", got.Owner)
	assert.Equal(t, base.Add(5*time.Minute), got.ClaimedAt)
}

func TestTakeOver_SubmittedRecordIsFinal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := record("k1", "owner-a")
	_, _, err := s.Claim(ctx, rec)
	require.NoError(t, err)

	rec.State = settlement.StateSubmitted
	rec.ExternalID = "pix_000001"
	require.NoError(t, s.Save(ctx, rec))

	won, err := s.TakeOver(ctx, "owner-a", record("k1", "owner-b"))
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSave_PersistsOutcome(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := record("k1", "owner-a")
	_, _, err := s.Claim(ctx, rec)
	require.NoError(t, err)

	eta := base.Add(10 * time.Second)
	rec.State = settlement.StateSubmitted
	rec.ExternalID = "pix_000001"
	rec.Status = rail.StatusProcessing
	rec.Attempts = 2
	rec.EstimatedCompletion = &eta
	rec.UpdatedAt = base.Add(time.Second)
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.GetSettlement(ctx, "tenant-a", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSubmitted, got.State)
	assert.Equal(t, "pix_000001", got.ExternalID)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.EstimatedCompletion)
	assert.Equal(t, eta, *got.EstimatedCompletion)
}

func TestSave_UnknownKey(t *testing.T) {
	s := newStore(t)
	err := s.Save(context.Background(), record("nope", "owner"))
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestGetSettlement_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetSettlement(context.Background(), "tenant-a", "missing")
	assert.True(t, settlement.IsNotFound(err))
}

func TestListOpenSettlements_OnlySubmittedNonTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	states := []struct {
		key    string
		state  settlement.State
		status rail.Status
	}{
		{"k1", settlement.StateSubmitted, rail.StatusPending},
		{"k2", settlement.StateSubmitted, rail.StatusCompleted},
		{"k3", settlement.StateInFlight, rail.StatusPending},
		{"k4", settlement.StateSubmitted, rail.StatusProcessing},
	}
	for i, st := range states {
		rec := record(st.key, "owner")
		rec.TransferID = st.key
		rec.ClaimedAt = base.Add(time.Duration(i) * time.Minute)
		_, _, err := s.Claim(ctx, rec)
		require.NoError(t, err)
		rec.State = st.state
		rec.Status = st.status
		require.NoError(t, s.Save(ctx, rec))
	}

	open, err := s.ListOpenSettlements(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "k1", open[0].IdempotencyKey)
	assert.Equal(t, "k4", open[1].IdempotencyKey)

	limited, err := s.ListOpenSettlements(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// LEDGER
// =============================================================================

func transfer(id string, at time.Time) ledger.Transfer {
	return ledger.Transfer{
		TenantID:   "tenant-a",
		TransferID: id,
		Rail:       rail.Pix,
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		Status:     rail.StatusPending,
		CreatedAt:  at,
	}
}

func TestRecordSettlement_UpsertKeepsCreatedAtAndCompletion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	done := base.Add(time.Minute)
	first := transfer("tr-1", base)
	first.ExternalID = "pix_000001"
	first.Status = rail.StatusCompleted
	first.CompletedAt = &done
	require.NoError(t, s.RecordSettlement(ctx, first))

	// WHEN: A later write carries no completion time or external id
	second := transfer("tr-1", base.Add(time.Hour))
	second.Status = rail.StatusReversed
	require.NoError(t, s.RecordSettlement(ctx, second))

	got, err := s.GetTransfer(ctx, "tenant-a", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, base, got.CreatedAt)
	assert.Equal(t, "pix_000001", got.ExternalID)
	assert.Equal(t, rail.StatusReversed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)
}

func TestRecordSettlement_AdoptsRailSubmissionTime(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: A failed attempt recorded at claim time, before any rail reference
	require.NoError(t, s.RecordSettlement(ctx, transfer("tr-1", base)))

	// WHEN: The retry is accepted and carries the rail's submission time
	accepted := transfer("tr-1", base.Add(5*time.Second))
	accepted.ExternalID = "pix_000001"
	require.NoError(t, s.RecordSettlement(ctx, accepted))

	// AND: A later refresh reports another time
	later := accepted
	later.CreatedAt = base.Add(time.Hour)
	later.Status = rail.StatusCompleted
	require.NoError(t, s.RecordSettlement(ctx, later))

	// THEN: The window time is the rail's first reported submission
	got, err := s.GetTransfer(ctx, "tenant-a", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Second), got.CreatedAt)
	assert.Equal(t, "pix_000001", got.ExternalID)
	assert.Equal(t, rail.StatusCompleted, got.Status)
}

func TestListTransfers_WindowAndKeysetPaging(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: Five transfers in the window, one on each edge
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordSettlement(ctx, transfer(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.RecordSettlement(ctx, transfer("before", base.Add(-time.Second))))
	require.NoError(t, s.RecordSettlement(ctx, transfer("at-end", base.Add(time.Hour))))
	other := transfer("other-rail", base)
	other.Rail = rail.SPEI
	require.NoError(t, s.RecordSettlement(ctx, other))

	// WHEN: Paging two at a time
	var ids []string
	q := ledger.Query{TenantID: "tenant-a", Rail: rail.Pix, From: base, To: base.Add(time.Hour), Limit: 2}
	pages := 0
	for {
		page, err := s.ListTransfers(ctx, q)
		require.NoError(t, err)
		pages++
		for _, tr := range page.Transfers {
			ids = append(ids, tr.TransferID)
		}
		if page.NextCursor == "" {
			break
		}
		q.Cursor = page.NextCursor
	}

	// THEN: Each in-window transfer appears once, in order
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Equal(t, 3, pages)
}

func TestListTransfers_BadCursor(t *testing.T) {
	s := newStore(t)
	_, err := s.ListTransfers(context.Background(), ledger.Query{
		TenantID: "tenant-a", Rail: rail.Pix, From: base, To: base.Add(time.Hour), Cursor: "garbage",
	})
	assert.True(t, rail.IsValidation(err))
}

// =============================================================================
// REPORTS & DISCREPANCIES
// =============================================================================

func report(id string) reconcile.Report {
	return reconcile.Report{
		ID:          id,
		TenantID:    "tenant-a",
		Rail:        rail.Pix,
		PeriodStart: base,
		PeriodEnd:   base.Add(24 * time.Hour),
		Status:      reconcile.StatusRunning,
		StartedAt:   base,
	}
}

func found(reportID, transferID string) discrepancy.Discrepancy {
	amt := decimal.NewFromInt(1000)
	return discrepancy.Discrepancy{
		ID:             reportID + "-" + transferID,
		TenantID:       "tenant-a",
		Rail:           rail.Pix,
		ReportID:       reportID,
		Type:           discrepancy.TypeStatusMismatch,
		Severity:       discrepancy.SeverityHigh,
		TransferID:     transferID,
		ExternalID:     "pix_" + transferID,
		ExpectedAmount: &amt,
		ActualAmount:   &amt,
		Currency:       "USD",
		ExpectedStatus: rail.StatusPending,
		ActualStatus:   rail.StatusCompleted,
		Description:    "ledger pending, rail completed",
		DetectedAt:     base,
		Fingerprint:    discrepancy.Fingerprint("tenant-a", rail.Pix, discrepancy.TypeStatusMismatch, transferID, "pix_"+transferID),
	}
}

func complete(r reconcile.Report, n int) reconcile.Report {
	done := r.StartedAt.Add(2 * time.Second)
	r.Status = reconcile.StatusCompleted
	r.CompletedAt = &done
	r.Duration = 2 * time.Second
	r.DiscrepancyCount = n
	r.Totals = map[string]reconcile.Totals{"USD": {
		Expected:   decimal.NewFromInt(1000),
		Actual:     decimal.NewFromInt(1000),
		Difference: decimal.Zero,
	}}
	r.ByType = map[discrepancy.Type]int{discrepancy.TypeStatusMismatch: n}
	return r
}

func TestCompleteRun_PersistsReportAndDiscrepancies(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report("r1")))

	stored, err := s.CompleteRun(ctx, complete(report("r1"), 1), []discrepancy.Discrepancy{found("r1", "tr-1")})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	got, err := s.GetReport(ctx, "tenant-a", "r1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.DiscrepancyCount)
	assert.Equal(t, 2*time.Second, got.Duration)
	assert.True(t, got.Totals["USD"].Expected.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, got.ByType[discrepancy.TypeStatusMismatch])

	d, err := s.GetDiscrepancy(ctx, "tenant-a", "r1-tr-1")
	require.NoError(t, err)
	assert.Equal(t, rail.StatusPending, d.ExpectedStatus)
	assert.True(t, d.ExpectedAmount.Equal(decimal.NewFromInt(1000)))
	assert.False(t, d.IsResolved())
}

func TestCompleteRun_LinksOpenFingerprintInsteadOfDuplicating(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: A first run found a discrepancy
	require.NoError(t, s.CreateReport(ctx, report("r1")))
	_, err := s.CompleteRun(ctx, complete(report("r1"), 1), []discrepancy.Discrepancy{found("r1", "tr-1")})
	require.NoError(t, err)

	// WHEN: A second run finds the same disagreement
	require.NoError(t, s.CreateReport(ctx, report("r2")))
	stored, err := s.CompleteRun(ctx, complete(report("r2"), 1), []discrepancy.Discrepancy{found("r2", "tr-1")})
	require.NoError(t, err)

	// THEN: The existing open record is linked, not copied
	require.Len(t, stored, 1)
	assert.Equal(t, "r1-tr-1", stored[0].ID)
	assert.Equal(t, "r1", stored[0].ReportID)

	all, err := s.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	linked, err := s.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: "tenant-a", ReportID: "r2"})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "r1-tr-1", linked[0].ID)
}

func TestFailRun_RecordsError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report("r1")))

	r := report("r1")
	done := base.Add(time.Second)
	r.Status = reconcile.StatusFailed
	r.Error = "rail unreachable"
	r.CompletedAt = &done
	require.NoError(t, s.FailRun(ctx, r))

	got, err := s.GetReport(ctx, "tenant-a", "r1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusFailed, got.Status)
	assert.Equal(t, "rail unreachable", got.Error)
	assert.Empty(t, got.Totals)
}

func TestGetReport_OtherTenantIsNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report("r1")))

	_, err := s.GetReport(ctx, "tenant-b", "r1")
	assert.True(t, reconcile.IsNotFound(err))
}

func TestListReports_Filters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r1 := report("r1")
	r2 := report("r2")
	r2.StartedAt = base.Add(time.Hour)
	r3 := report("r3")
	r3.Rail = rail.SPEI
	for _, r := range []reconcile.Report{r1, r2, r3} {
		require.NoError(t, s.CreateReport(ctx, r))
	}

	pix, err := s.ListReports(ctx, reconcile.ReportFilter{TenantID: "tenant-a", Rail: rail.Pix})
	require.NoError(t, err)
	require.Len(t, pix, 2)
	assert.Equal(t, "r2", pix[0].ID)

	none, err := s.ListReports(ctx, reconcile.ReportFilter{TenantID: "tenant-a", Status: reconcile.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResolveDiscrepancy_OneWayWithAudit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report("r1")))
	_, err := s.CompleteRun(ctx, complete(report("r1"), 1), []discrepancy.Discrepancy{found("r1", "tr-1")})
	require.NoError(t, err)

	res := discrepancy.Resolution{ResolvedBy: "ops@warp", ResolvedAt: base.Add(time.Hour), Resolution: "ledger corrected"}
	audit := discrepancy.AuditEntry{
		ID: "a1", TenantID: "tenant-a", Actor: "ops@warp", Action: "discrepancy.resolve",
		EntityType: "discrepancy", EntityID: "r1-tr-1", Detail: "ledger corrected", At: res.ResolvedAt,
	}

	// WHEN: Resolved twice
	won, err := s.ResolveDiscrepancy(ctx, "tenant-a", "r1-tr-1", res, audit)
	require.NoError(t, err)
	assert.True(t, won)

	audit.ID = "a2"
	won, err = s.ResolveDiscrepancy(ctx, "tenant-a", "r1-tr-1", res, audit)
	require.NoError(t, err)

	// THEN: Only the first write lands, with exactly one audit entry
	assert.False(t, won)
	entries, err := s.AuditLog(ctx, "tenant-a", "r1-tr-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].ID)

	d, err := s.GetDiscrepancy(ctx, "tenant-a", "r1-tr-1")
	require.NoError(t, err)
	require.NotNil(t, d.Resolution)
	assert.Equal(t, "ledger corrected", d.Resolution.Resolution)

	open, err := s.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: "tenant-a", Status: discrepancy.StatusOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveDiscrepancy_OtherTenant(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report("r1")))
	_, err := s.CompleteRun(ctx, complete(report("r1"), 1), []discrepancy.Discrepancy{found("r1", "tr-1")})
	require.NoError(t, err)

	won, err := s.ResolveDiscrepancy(ctx, "tenant-b", "r1-tr-1",
		discrepancy.Resolution{ResolvedBy: "x", ResolvedAt: base, Resolution: "x"},
		discrepancy.AuditEntry{ID: "a1", TenantID: "tenant-b", Actor: "x", Action: "x", EntityType: "discrepancy", EntityID: "r1-tr-1", At: base})
	require.NoError(t, err)
	assert.False(t, won)

	_, err = s.GetDiscrepancy(ctx, "tenant-b", "r1-tr-1")
	assert.True(t, discrepancy.IsNotFound(err))
}

func TestResolvedFingerprintCanReopen(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report("r1")))
	_, err := s.CompleteRun(ctx, complete(report("r1"), 1), []discrepancy.Discrepancy{found("r1", "tr-1")})
	require.NoError(t, err)
	_, err = s.ResolveDiscrepancy(ctx, "tenant-a", "r1-tr-1",
		discrepancy.Resolution{ResolvedBy: "ops", ResolvedAt: base, Resolution: "fixed"},
		discrepancy.AuditEntry{ID: "a1", TenantID: "tenant-a", Actor: "ops", Action: "discrepancy.resolve", EntityType: "discrepancy", EntityID: "r1-tr-1", At: base})
	require.NoError(t, err)

	// WHEN: The disagreement is still there on the next run
	require.NoError(t, s.CreateReport(ctx, report("r2")))
	stored, err := s.CompleteRun(ctx, complete(report("r2"), 1), []discrepancy.Discrepancy{found("r2", "tr-1")})
	require.NoError(t, err)

	// THEN: A new open discrepancy is recorded
	require.Len(t, stored, 1)
	assert.Equal(t, "r2-tr-1", stored[0].ID)
	assert.False(t, stored[0].IsResolved())
}
