/*
scenarios.go - Sandbox demo scenarios

PURPOSE:

	Provides pre-built scenarios that put the sandbox rails and the ledger
	into a known state for demos and manual testing. Each scenario produces
	a situation reconciliation should (or should not) flag.

AVAILABLE SCENARIOS:

	clean-day:            Settlements on pix, spei and circle_usdc; reconciles clean
	orphaned-settlement:  Rail transaction with no ledger transfer (missing_in_ledger)
	missing-on-rail:      Ledger transfer the rail never saw (missing_in_rail)
	amount-mismatch:      Rail settled less than the ledger booked (amount_mismatch)
	rail-outage:          SPEI unreachable and unhealthy; routing skips it
	recovery:             Clears the outage

HOW SCENARIOS WORK:
 1. Settlements go through the executor, so ledger and rail agree
 2. Anomalies are injected directly on the sandbox network or the ledger
 3. Everything is written for the caller's tenant at the current time
 4. Loading a scenario twice is safe: ids are fixed, the executor
    collapses duplicates and injected records are replaced

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "orphaned-settlement"}

	then POST /api/reconciliation/run over the last hour

NOTE:

	Routes exist only when the rails are sandboxed and the server is not in
	production.

SEE ALSO:
  - handlers.go: Handler and Deps
  - rail/sandbox/network.go: Fault and injection hooks
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
)

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Expect      string `json:"expect,omitempty"` // discrepancy type reconciliation should report
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clean-day",
		Name:        "Clean Day",
		Description: "Three settlements across pix, spei and circle_usdc",
	},
	{
		ID:          "orphaned-settlement",
		Name:        "Orphaned Settlement",
		Description: "Pix holds a completed payout the ledger never booked",
		Expect:      "missing_in_ledger",
	},
	{
		ID:          "missing-on-rail",
		Name:        "Missing On Rail",
		Description: "Ledger booked a SPEI payout the rail has no record of",
		Expect:      "missing_in_rail",
	},
	{
		ID:          "amount-mismatch",
		Name:        "Amount Mismatch",
		Description: "Pix settled 990.00 USD against a 1000.00 USD ledger transfer",
		Expect:      "amount_mismatch",
	},
	{
		ID:          "rail-outage",
		Name:        "Rail Outage",
		Description: "SPEI is unreachable; routing to Mexico falls back to wire",
	},
	{
		ID:          "recovery",
		Name:        "Recovery",
		Description: "SPEI is reachable and healthy again",
	},
}

// scenariosEnabled reports whether scenario routes are mounted.
func (h *Handler) scenariosEnabled() bool {
	return h.Sandbox != nil && !h.Production
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario the caller's tenant loaded last, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	tenant := PrincipalFrom(r.Context()).TenantID
	h.mu.Lock()
	current := h.current[tenant]
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	tenant := PrincipalFrom(r.Context()).TenantID

	if err := h.loadScenario(r.Context(), tenant, req.ScenarioID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.mu.Lock()
	h.current[tenant] = req.ScenarioID
	h.mu.Unlock()
	h.Logger.Info("[Scenarios] loaded", "scenario", req.ScenarioID, "tenant", tenant)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, tenant, id string) error {
	switch id {
	case "clean-day":
		return h.loadCleanDayScenario(ctx, tenant)
	case "orphaned-settlement":
		return h.loadOrphanScenario()
	case "missing-on-rail":
		return h.loadMissingOnRailScenario(ctx, tenant)
	case "amount-mismatch":
		return h.loadAmountMismatchScenario(ctx, tenant)
	case "rail-outage":
		h.setOutage(true)
		return nil
	case "recovery":
		h.setOutage(false)
		return nil
	}
	return fieldError("scenarioId", fmt.Sprintf("unknown scenario %q", id))
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCleanDayScenario(ctx context.Context, tenant string) error {
	d := decimal.RequireFromString
	items := []struct {
		rail rail.ID
		req  rail.SettlementRequest
	}{
		{rail.Pix, rail.SettlementRequest{
			TransferID: "scn-clean-001", Amount: d("1250.00"), Currency: "USD",
			DestinationCurrency: "BRL", DestinationCountry: "BR", DestinationAccount: "ana@example.com.br",
		}},
		{rail.SPEI, rail.SettlementRequest{
			TransferID: "scn-clean-002", Amount: d("800.00"), Currency: "USD",
			DestinationCurrency: "MXN", DestinationCountry: "MX", DestinationAccount: "012180015517745894",
		}},
		{rail.CircleUSDC, rail.SettlementRequest{
			TransferID: "scn-clean-003", Amount: d("42.50"), Currency: "USDC",
			DestinationCurrency: "USDC", DestinationAccount: "0x5e2b4c3ad1f6a1b0",
		}},
	}
	for _, it := range items {
		it.req.TenantID = tenant
		if _, err := h.Executor.Execute(ctx, it.rail, it.req); err != nil {
			return fmt.Errorf("%s: %w", it.req.TransferID, err)
		}
	}
	return nil
}

func (h *Handler) loadOrphanScenario() error {
	now := h.Clock()
	h.Sandbox.InjectTransaction(rail.Transaction{
		ExternalID:     "pix_scn_orphan_001",
		Rail:           rail.Pix,
		Status:         rail.StatusCompleted,
		SourceAmount:   decimal.RequireFromString("420.00"),
		SourceCurrency: "USD",
		SubmittedAt:    now,
		CompletedAt:    &now,
	})
	return nil
}

func (h *Handler) loadMissingOnRailScenario(ctx context.Context, tenant string) error {
	if h.Ledger == nil {
		return fmt.Errorf("no ledger configured")
	}
	return h.Ledger.RecordSettlement(ctx, ledger.Transfer{
		TenantID:   tenant,
		TransferID: "scn-lost-001",
		Rail:       rail.SPEI,
		ExternalID: "spei_scn_lost_001",
		Amount:     decimal.RequireFromString("1200.00"),
		Currency:   "USD",
		Status:     rail.StatusPending,
		CreatedAt:  h.Clock(),
	})
}

func (h *Handler) loadAmountMismatchScenario(ctx context.Context, tenant string) error {
	if h.Ledger == nil {
		return fmt.Errorf("no ledger configured")
	}
	now := h.Clock()
	err := h.Ledger.RecordSettlement(ctx, ledger.Transfer{
		TenantID:    tenant,
		TransferID:  "scn-short-001",
		Rail:        rail.Pix,
		ExternalID:  "pix_scn_short_001",
		Amount:      decimal.RequireFromString("1000.00"),
		Currency:    "USD",
		Status:      rail.StatusCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	h.Sandbox.InjectTransaction(rail.Transaction{
		ExternalID:     "pix_scn_short_001",
		TransferID:     "scn-short-001",
		Rail:           rail.Pix,
		Status:         rail.StatusCompleted,
		SourceAmount:   decimal.RequireFromString("990.00"),
		SourceCurrency: "USD",
		SubmittedAt:    now,
		CompletedAt:    &now,
	})
	return nil
}

// setOutage toggles SPEI on the network and on the health board, so routing
// reacts before the next health probe.
func (h *Handler) setOutage(down bool) {
	h.Sandbox.SetUnreachable(rail.SPEI, down)
	h.Sandbox.SetHealthy(rail.SPEI, !down, "scheduled maintenance")
	if h.Health == nil {
		return
	}
	status := rail.HealthStatus{Healthy: !down, Message: "ok", CheckedAt: h.Clock()}
	if down {
		status.Message = "scheduled maintenance"
	}
	h.Health.Set(rail.SPEI, status)
}
