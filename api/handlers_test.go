/*
handlers_test.go - HTTP tests for the settlement API

Tests run the full router over a sandbox network and an in-memory sqlite
store, with a fixed clock.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/rail/sandbox"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/routing"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	net      *sandbox.Network
	store    *sqlite.Store
	clock    *testClock
	registry *rail.RegistryHolder
	health   *rail.HealthBoard
	exec     *settlement.Executor
	engine   *reconcile.Engine
	handler  *Handler
	server   http.Handler
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEnv(t *testing.T, opts ServerOptions) *testEnv {
	t.Helper()
	clock := &testClock{t: t0}
	n := sandbox.NewNetwork(sandbox.WithClock(clock.Now))
	reg, err := sandbox.NewRegistry(n, sandbox.DefaultCapabilities())
	require.NoError(t, err)

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	holder := rail.NewRegistryHolder(reg)
	board := rail.NewHealthBoard()
	exec := settlement.NewExecutor(holder, store, store,
		settlement.WithClock(clock.Now),
		settlement.WithSleep(noSleep),
	)
	resolver := discrepancy.NewResolver(store, nil, nil)
	engine := reconcile.NewEngine(reconcile.Deps{
		Registry: holder,
		Ledger:   store,
		Store:    store,
		Resolver: resolver,
	}, reconcile.DefaultConfig())
	engine.SetClock(clock.Now)
	engine.SetSleep(noSleep)

	h := NewHandler(Deps{
		Registry: holder,
		Health:   board,
		Router:   routing.NewRouter(holder, board),
		Executor: exec,
		Engine:   engine,
		Resolver: resolver,
		Store:    store,
		Clock:    clock.Now,
		Sandbox:  n,
		Ledger:   store,
	})
	return &testEnv{
		net: n, store: store, clock: clock, registry: holder, health: board,
		exec: exec, engine: engine, handler: h, server: NewRouter(h, opts),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func pixExecute(transferID, amount string) map[string]any {
	return map[string]any{
		"transferId": transferID,
		"rail":       "pix",
		"amount":     amount,
		"currency":   "USD",
		"destination": map[string]string{
			"currency": "BRL", "account": "pix-key-123", "country": "BR",
		},
	}
}

func reconcileWindow() map[string]any {
	return map[string]any{
		"rail":        "pix",
		"periodStart": t0.Add(-time.Hour).Format(time.RFC3339),
		"periodEnd":   t0.Add(time.Hour).Format(time.RFC3339),
	}
}

// =============================================================================
// RAILS
// =============================================================================

func TestListRails(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	env.health.Set(rail.SPEI, rail.HealthStatus{Healthy: false, Message: "maintenance", CheckedAt: t0})

	rec := env.do(t, http.MethodGet, "/api/rails", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	rails := decodeBody[[]RailDTO](t, rec)
	require.Len(t, rails, 5)
	byID := map[string]RailDTO{}
	for _, r := range rails {
		assert.True(t, r.Sandbox)
		byID[r.ID] = r
	}
	assert.True(t, byID["pix"].Healthy)
	assert.False(t, byID["spei"].Healthy)
	assert.Equal(t, "maintenance", byID["spei"].HealthMessage)
	assert.Equal(t, []string{"BR"}, byID["pix"].Capabilities.Countries)
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	env.net.Fund(rail.Pix, "USD", decimal.NewFromInt(5000))

	rec := env.do(t, http.MethodGet, "/api/rails/pix/balance?currency=USD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decodeBody[BalanceDTO](t, rec)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(5000)))

	rec = env.do(t, http.MethodGet, "/api/rails/pix/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/rails/swift/balance?currency=USD", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransactions_PagesRailHistory(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	for i := 1; i <= 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/settlement/execute", pixExecute(fmt.Sprintf("tr-%d", i), "100"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	start := t0.Add(-time.Hour).Format(time.RFC3339)
	end := t0.Add(time.Hour).Format(time.RFC3339)

	rec := env.do(t, http.MethodGet, "/api/rails/pix/transactions?startDate="+start+"&endDate="+end+"&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[TransactionPageDTO](t, rec)
	require.Len(t, first.Transactions, 2)
	require.True(t, first.HasMore)

	rec = env.do(t, http.MethodGet, "/api/rails/pix/transactions?startDate="+start+"&endDate="+end+"&limit=2&cursor="+first.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[TransactionPageDTO](t, rec)
	require.Len(t, second.Transactions, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "tr-3", second.Transactions[0].TransferID)
	require.NotNil(t, second.Transactions[0].FXRate)
	assert.Equal(t, "BRL", second.Transactions[0].DestinationCurrency)
}

func TestListTransactions_BadParams(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodGet, "/api/rails/pix/transactions?startDate=yesterday&status=weird&limit=-1", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Len(t, body.Fields, 3)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestRoute_BrazilPrefersPix(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodPost, "/api/settlement/route", map[string]any{
		"transferId": "tr-1",
		"protocol":   "ucp",
		"amount":     "1000",
		"currency":   "USD",
		"destination": map[string]string{
			"currency": "BRL", "country": "BR",
		},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[RouteResponse](t, rec)
	assert.Equal(t, "pix", resp.SelectedRail)
	assert.Equal(t, []string{"wire"}, resp.Alternatives)
	assert.NotContains(t, resp.Alternatives, "spei")
	assert.Contains(t, resp.Excluded, "spei")
}

func TestRoute_Validation(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodPost, "/api/settlement/route", map[string]any{
		"protocol": "carrier-pigeon",
		"amount":   "10",
		"currency": "USD",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "protocol", body.Fields[0].Field)
}

func TestRoute_NoEligibleRail(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodPost, "/api/settlement/route", map[string]any{
		"protocol": "ucp",
		"amount":   "10",
		"currency": "JPY",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExecute_SameTransferTwiceSubmitsOnce(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	// WHEN: The same transfer is executed twice
	first := env.do(t, http.MethodPost, "/api/settlement/execute", pixExecute("tr-1", "1000"))
	second := env.do(t, http.MethodPost, "/api/settlement/execute", pixExecute("tr-1", "1000"))

	// THEN: One rail settlement, the second call reports it
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	a := decodeBody[SettlementDTO](t, first)
	b := decodeBody[SettlementDTO](t, second)
	assert.Equal(t, a.ExternalID, b.ExternalID)
	assert.True(t, b.Duplicate)
	assert.Equal(t, 1, env.net.Count(rail.Pix))
	require.NotNil(t, a.EstimatedCompletion)
	assert.Equal(t, t0.Add(10*time.Second).Format(time.RFC3339Nano), *a.EstimatedCompletion)
}

func TestExecute_RoutesWhenNoRailGiven(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	body := pixExecute("tr-1", "1000")
	delete(body, "rail")

	rec := env.do(t, http.MethodPost, "/api/settlement/execute", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decodeBody[SettlementDTO](t, rec)
	assert.Equal(t, "pix", s.Rail)
	assert.Equal(t, []string{"wire"}, s.Alternatives)
}

func TestExecute_Validation(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodPost, "/api/settlement/execute", map[string]any{
		"rail": "pix", "amount": "-5", "currency": "dollars",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Len(t, body.Fields, 3)
	assert.Equal(t, 0, env.net.Count(rail.Pix))
}

func TestExecute_UnknownRailIsBadRequest(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	body := pixExecute("tr-1", "10")
	body["rail"] = "swift"

	rec := env.do(t, http.MethodPost, "/api/settlement/execute", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatch_TooLargeFailsWhole(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	items := make([]map[string]any, settlement.MaxBatchSize+1)
	for i := range items {
		items[i] = pixExecute(fmt.Sprintf("tr-%d", i), "10")
	}

	rec := env.do(t, http.MethodPost, "/api/settlement/batch", map[string]any{"settlements": items})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.net.Count(rail.Pix))
}

func TestBatch_ReportsPerItemOutcome(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	bad := pixExecute("tr-bad", "10")
	bad["currency"] = "JPY"

	rec := env.do(t, http.MethodPost, "/api/settlement/batch", map[string]any{
		"settlements": []map[string]any{pixExecute("tr-1", "10"), bad, pixExecute("tr-2", "20")},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[BatchResponse](t, rec)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "tr-1", resp.Results[0].TransferID)
	require.NotNil(t, resp.Results[0].Settlement)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "tr-bad", resp.Results[1].TransferID)
	require.NotNil(t, resp.Results[2].Settlement)
	assert.Equal(t, 2, env.net.Count(rail.Pix))
}

func TestCancel_WireWhilePending(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	rec := env.do(t, http.MethodPost, "/api/settlement/execute", map[string]any{
		"transferId": "tr-w", "rail": "wire", "amount": "500", "currency": "USD",
		"destination": map[string]string{"currency": "EUR", "account": "DE89370400440532013000"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/settlement/tr-w/cancel", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s := decodeBody[SettlementDTO](t, rec)
	assert.Equal(t, string(rail.StatusFailed), s.Status)
}

func TestCancel_PixIsNotSupported(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/settlement/execute", pixExecute("tr-1", "10")).Code)

	rec := env.do(t, http.MethodPost, "/api/settlement/tr-1/cancel", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh_PicksUpCompletion(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/settlement/execute", pixExecute("tr-1", "10")).Code)
	env.clock.Advance(time.Minute)

	rec := env.do(t, http.MethodPost, "/api/settlement/tr-1/refresh", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(rail.StatusCompleted), decodeBody[SettlementDTO](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/api/settlement/nope/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_CleanWindow(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	for i := 1; i <= 3; i++ {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/settlement/execute", pixExecute(fmt.Sprintf("tr-%d", i), "100")).Code)
	}

	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", reconcileWindow())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[RunResponse](t, rec)
	assert.Equal(t, "completed", resp.Report.Status)
	assert.Equal(t, 3, resp.Report.MatchedTransactions)
	assert.Equal(t, 0, resp.Report.DiscrepancyCount)
	assert.Empty(t, resp.Discrepancies)
}

func TestReconcile_ResolveFlow(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	// GIVEN: A rail transaction the ledger never saw
	env.net.InjectTransaction(rail.Transaction{
		ExternalID: "pix_orphan", Rail: rail.Pix, Status: rail.StatusCompleted,
		SourceAmount: decimal.NewFromInt(250), SourceCurrency: "USD", SubmittedAt: t0,
	})

	// WHEN: The window is reconciled
	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", reconcileWindow())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[RunResponse](t, rec)

	// THEN: One missing_in_ledger discrepancy
	require.Len(t, run.Discrepancies, 1)
	d := run.Discrepancies[0]
	assert.Equal(t, string(discrepancy.TypeMissingInLedger), d.Type)

	// AND: The report detail lists it
	rec = env.do(t, http.MethodGet, "/api/reconciliation/reports/"+run.Report.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[RunResponse](t, rec).Discrepancies, 1)

	// AND: Open filter finds it
	rec = env.do(t, http.MethodGet, "/api/reconciliation/discrepancies?status=open&rail=pix", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]DiscrepancyDTO](t, rec), 1)

	// WHEN: It is resolved, then resolved again with the same text
	resolve := map[string]string{"resolution": "booked manually", "notes": "ticket 42", "resolvedBy": "ops@warp"}
	rec = env.do(t, http.MethodPost, "/api/reconciliation/discrepancies/"+d.ID+"/resolve", resolve)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decodeBody[DiscrepancyDTO](t, rec)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "ops@warp", resolved.ResolvedBy)

	rec = env.do(t, http.MethodPost, "/api/reconciliation/discrepancies/"+d.ID+"/resolve", resolve)
	assert.Equal(t, http.StatusOK, rec.Code)

	// THEN: Different text conflicts
	rec = env.do(t, http.MethodPost, "/api/reconciliation/discrepancies/"+d.ID+"/resolve",
		map[string]string{"resolution": "ignore"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/reconciliation/discrepancies?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]DiscrepancyDTO](t, rec))
}

func TestReconcile_ReportsAreTenantScoped(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", reconcileWindow(), TenantHeader, "tenant-a")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[RunResponse](t, rec)

	rec = env.do(t, http.MethodGet, "/api/reconciliation/reports/"+run.Report.ID, nil, TenantHeader, "tenant-b")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/reconciliation/reports", nil, TenantHeader, "tenant-b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ReportDTO](t, rec))

	rec = env.do(t, http.MethodGet, "/api/reconciliation/reports", nil, TenantHeader, "tenant-a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ReportDTO](t, rec), 1)
}

func TestReconcile_OtherTenantInBodyIsForbidden(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	body := reconcileWindow()
	body["tenantId"] = "tenant-b"

	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", body, TenantHeader, "tenant-a")

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReconcile_RailDownReturnsFailedReport(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	env.net.SetUnreachable(rail.Pix, true)

	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", reconcileWindow())

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	require.NotEmpty(t, body.ReportID)

	rec = env.do(t, http.MethodGet, "/api/reconciliation/reports?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decodeBody[[]ReportDTO](t, rec)
	require.Len(t, reports, 1)
	assert.Equal(t, body.ReportID, reports[0].ID)
}

func TestReconcile_InvalidWindow(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", map[string]any{"rail": "pix"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Fields)
}

func TestDiscrepancies_BadFilter(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodGet, "/api/reconciliation/discrepancies?status=maybe&severity=urgent", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, decodeBody[ErrorResponse](t, rec).Fields, 2)
}

// =============================================================================
// AUTH & ERRORS
// =============================================================================

func TestAuth_JWTRequiredWhenSecretSet(t *testing.T) {
	env := newTestEnv(t, ServerOptions{JWTSecret: "test-secret"})

	rec := env.do(t, http.MethodGet, "/api/rails", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := SignToken("other-secret", "tenant-a", "ops@warp")
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/rails", nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := SignToken("test-secret", "tenant-a", "ops@warp")
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/rails", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Healthz stays open
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_TenantAndOperatorComeFromToken(t *testing.T) {
	env := newTestEnv(t, ServerOptions{JWTSecret: "test-secret"})
	token, err := SignToken("test-secret", "tenant-a", "ops@warp")
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + token, TenantHeader, "tenant-spoofed"}

	env.net.InjectTransaction(rail.Transaction{
		ExternalID: "pix_orphan", Rail: rail.Pix, Status: rail.StatusCompleted,
		SourceAmount: decimal.NewFromInt(5), SourceCurrency: "USD", SubmittedAt: t0,
	})
	rec := env.do(t, http.MethodPost, "/api/reconciliation/run", reconcileWindow(), auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[RunResponse](t, rec)
	assert.Equal(t, "tenant-a", run.Report.TenantID)
	require.Len(t, run.Discrepancies, 1)

	rec = env.do(t, http.MethodPost, "/api/reconciliation/discrepancies/"+run.Discrepancies[0].ID+"/resolve",
		map[string]string{"resolution": "booked", "resolvedBy": "someone-else"}, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ops@warp", decodeBody[DiscrepancyDTO](t, rec).ResolvedBy)
}

func TestErrorBody_ProductionHidesInternalDetails(t *testing.T) {
	h := NewHandler(Deps{Production: true})

	internal := h.errorBody(errors.New("pq: connection refused to 10.0.0.4"))
	assert.Equal(t, "Internal Server Error", internal.Error)
	assert.Empty(t, internal.Details)

	notFound := h.errorBody(settlement.ErrNotFound)
	assert.Equal(t, "settlement not found", notFound.Details)

	dev := NewHandler(Deps{})
	assert.Contains(t, dev.errorBody(errors.New("pq: connection refused")).Details, "connection refused")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fieldError("amount", "bad"), http.StatusBadRequest},
		{"batch too large", settlement.ErrBatchTooLarge, http.StatusBadRequest},
		{"in flight", &settlement.InFlightError{Key: "k"}, http.StatusConflict},
		{"key reused", &settlement.KeyReusedError{Key: "k", TransferID: "tr-1"}, http.StatusConflict},
		{"already resolved", &discrepancy.AlreadyResolvedError{ID: "d"}, http.StatusConflict},
		{"run in progress", reconcile.ErrRunInProgress, http.StatusConflict},
		{"report missing", reconcile.ErrReportNotFound, http.StatusNotFound},
		{"discrepancy missing", discrepancy.ErrNotFound, http.StatusNotFound},
		{"no eligible rail", routing.ErrNoEligibleRail, http.StatusUnprocessableEntity},
		{"rail fatal", &settlement.SubmissionError{Rail: rail.Pix, Err: rail.NewFatal(rail.Pix, "x", "y")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	rec := env.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 5, body["rails"])
}
