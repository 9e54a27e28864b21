/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes routing, settlement and reconciliation over REST. Handles HTTP
  request/response and JSON, and delegates to the domain packages.

ENDPOINTS (all under /api, tenant from Authenticate):
  Rails:
    GET    /rails                              Rails with health and capabilities
    GET    /rails/{rail}/balance?currency=     Balance snapshot from the rail
    GET    /rails/{rail}/transactions          Rail history page

  Settlement:
    POST   /settlement/route                   Routing decision only
    POST   /settlement/execute                 Submit, idempotent on transferId
    POST   /settlement/batch                   Up to 100 settlements
    POST   /settlement/{transferId}/cancel     Cancel where the rail supports it
    POST   /settlement/{transferId}/refresh    Poll the rail for status

  Reconciliation:
    POST   /reconciliation/run                 Synchronous pass
    GET    /reconciliation/reports             List reports
    GET    /reconciliation/reports/{id}        Report with its discrepancies
    GET    /reconciliation/discrepancies       Filterable list
    POST   /reconciliation/discrepancies/{id}/resolve

  Scenarios (sandbox, non-production only; see scenarios.go):
    GET    /scenarios
    GET    /scenarios/current
    POST   /scenarios/load

ERROR HANDLING:
  writeDomainError maps the domain error taxonomy to HTTP:
  - 400: Validation (with fields), unknown rail in a body, batch too large
  - 404: Settlement, report, discrepancy, rail transaction not found
  - 409: Settlement in flight, already resolved, window already running
  - 422: No eligible rail
  - 500: Everything else; details hidden in production

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/rail/sandbox"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/routing"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handler's collaborators. Health and Store may be nil.
type Deps struct {
	Registry *rail.RegistryHolder
	Health   *rail.HealthBoard
	Router   *routing.Router
	Executor *settlement.Executor
	Engine   *reconcile.Engine
	Resolver *discrepancy.Resolver
	Store    Pinger
	Logger   *slog.Logger
	Clock    func() time.Time

	// Sandbox and Ledger back the demo scenarios. Without a sandbox
	// network the scenario routes are not mounted.
	Sandbox *sandbox.Network
	Ledger  ledger.Recorder

	// Production hides internal error details.
	Production bool
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps

	mu      sync.Mutex
	current map[string]string // tenant -> last loaded scenario
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{Deps: d, current: make(map[string]string)}
}

const (
	defaultTxLimit     = 50
	maxTxLimit         = 500
	defaultTxLookback  = 24 * time.Hour
	maxRequestBodySize = 1 << 20
)

// =============================================================================
// RAIL HANDLERS
// =============================================================================

// ListRails returns every configured rail.
// GET /api/rails
func (h *Handler) ListRails(w http.ResponseWriter, r *http.Request) {
	adapters := h.Registry.Load().List()
	dtos := make([]RailDTO, 0, len(adapters))
	for _, a := range adapters {
		caps := a.Capabilities()
		dto := RailDTO{
			ID:      string(a.ID()),
			Sandbox: caps.Sandbox,
			Healthy: h.Health.IsHealthy(a.ID()),
			Capabilities: CapabilitiesDTO{
				Currencies:            caps.Currencies,
				DestinationCurrencies: caps.DestinationCurrencies,
				Countries:             caps.Countries,
				MinAmount:             caps.MinAmount,
				MaxAmount:             caps.MaxAmount,
				EstimatedTimeSeconds:  caps.EstimatedTimeSeconds,
				FeePercentage:         caps.FeePercentage,
			},
		}
		if h.Health != nil {
			if st, ok := h.Health.Get(a.ID()); ok {
				dto.HealthMessage = st.Message
				dto.CheckedAt = formatTimePtr(&st.CheckedAt)
			}
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns the rail's balance snapshot.
// GET /api/rails/{rail}/balance?currency=USD
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		h.writeDomainError(w, fieldError("currency", "is required"))
		return
	}

	b, err := a.GetBalance(r.Context(), currency)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Rail:      string(b.Rail),
		Currency:  b.Currency,
		Available: b.Available,
		Pending:   b.Pending,
		Reserved:  b.Reserved,
		UpdatedAt: formatTime(b.UpdatedAt),
	})
}

// ListTransactions pages the rail's history. The window defaults to the
// last 24 hours.
// GET /api/rails/{rail}/transactions?startDate&endDate&status&limit&cursor
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var fields []rail.FieldError
	end := h.Clock()
	if s := q.Get("endDate"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			fields = append(fields, rail.FieldError{Field: "endDate", Message: "must be RFC 3339 or YYYY-MM-DD"})
		}
		end = t
	}
	start := end.Add(-defaultTxLookback)
	if s := q.Get("startDate"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			fields = append(fields, rail.FieldError{Field: "startDate", Message: "must be RFC 3339 or YYYY-MM-DD"})
		}
		start = t
	}
	var status rail.Status
	if s := q.Get("status"); s != "" {
		st, err := rail.ParseStatus(s)
		if err != nil {
			fields = append(fields, rail.FieldError{Field: "status", Message: err.Error()})
		}
		status = st
	}
	limit, err := parseLimit(q.Get("limit"), defaultTxLimit, maxTxLimit)
	if err != nil {
		fields = append(fields, rail.FieldError{Field: "limit", Message: err.Error()})
	}
	if len(fields) == 0 && !end.After(start) {
		fields = append(fields, rail.FieldError{Field: "endDate", Message: "must be after startDate"})
	}
	if len(fields) > 0 {
		h.writeDomainError(w, &rail.ValidationError{Fields: fields})
		return
	}

	page, err := a.GetTransactions(r.Context(), rail.TransactionQuery{
		From: start, To: end, Status: status, PageSize: limit, Cursor: q.Get("cursor"),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := TransactionPageDTO{
		Transactions: make([]TransactionDTO, len(page.Transactions)),
		HasMore:      page.HasMore,
		NextCursor:   page.NextCursor,
	}
	for i, tx := range page.Transactions {
		dto.Transactions[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dto)
}

// adapter resolves {rail}; an unknown or unconfigured rail is a 404.
func (h *Handler) adapter(w http.ResponseWriter, r *http.Request) (rail.Adapter, bool) {
	id := rail.ID(chi.URLParam(r, "rail"))
	a, err := h.Registry.Load().Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Rail not found", err)
		return nil, false
	}
	return a, true
}

func toTransactionDTO(tx rail.Transaction) TransactionDTO {
	return TransactionDTO{
		ExternalID:          tx.ExternalID,
		TransferID:          tx.TransferID,
		Rail:                string(tx.Rail),
		Status:              string(tx.Status),
		SourceAmount:        tx.SourceAmount,
		SourceCurrency:      tx.SourceCurrency,
		DestinationAmount:   tx.DestinationAmount,
		DestinationCurrency: tx.DestinationCurrency,
		FXRate:              tx.FXRate,
		Fee:                 tx.Fee,
		SubmittedAt:         formatTime(tx.SubmittedAt),
		CompletedAt:         formatTimePtr(tx.CompletedAt),
		ErrorMessage:        tx.ErrorMessage,
		Metadata:            tx.Metadata,
	}
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// RouteSettlement returns the routing decision without submitting.
// POST /api/settlement/route
func (h *Handler) RouteSettlement(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.route(req)
	if err != nil {
		h.writeRouteError(w, d, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteResponse(req.TransferID, d))
}

func (h *Handler) route(req RouteRequest) (*routing.Decision, error) {
	rr, err := req.routing()
	if err != nil {
		return nil, err
	}
	return h.Router.Route(rr)
}

func (h *Handler) writeRouteError(w http.ResponseWriter, d *routing.Decision, err error) {
	if errors.Is(err, routing.ErrNoEligibleRail) && d != nil {
		resp := toRouteResponse("", d)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"excluded": resp.Excluded,
		})
		return
	}
	h.writeDomainError(w, err)
}

// ExecuteSettlement submits one settlement. 201 for a new submission, 200
// when the transfer was already settled.
// POST /api/settlement/execute
func (h *Handler) ExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	tenant := PrincipalFrom(r.Context()).TenantID

	railID, d, err := h.pickRail(req)
	if err != nil {
		h.writeRouteError(w, d, err)
		return
	}

	res, err := h.Executor.Execute(r.Context(), railID, req.settlement(tenant))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := toSettlementDTO(res.Record)
	dto.Duplicate = res.Duplicate
	if d != nil {
		dto.Alternatives = railStrings(d.Alternatives)
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}

// pickRail returns the requested rail, or routes when none was named. The
// decision is nil when the caller named the rail.
func (h *Handler) pickRail(req ExecuteRequest) (rail.ID, *routing.Decision, error) {
	if req.Rail != "" {
		return rail.ID(req.Rail), nil, nil
	}
	d, err := h.route(req.route())
	if err != nil {
		return "", d, err
	}
	return d.Selected, d, nil
}

// ExecuteBatch submits up to settlement.MaxBatchSize settlements. Item
// failures are reported per item; an oversized batch fails as a whole.
// POST /api/settlement/batch
func (h *Handler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Settlements) > settlement.MaxBatchSize {
		h.writeDomainError(w, fieldError("settlements", "at most "+strconv.Itoa(settlement.MaxBatchSize)+" items per batch"))
		return
	}
	tenant := PrincipalFrom(r.Context()).TenantID

	resp := BatchResponse{Results: make([]BatchItemDTO, len(req.Settlements))}
	alternatives := make([][]rail.ID, len(req.Settlements))
	var items []settlement.BatchItem
	var positions []int
	for i, s := range req.Settlements {
		resp.Results[i].TransferID = s.TransferID
		railID, d, err := h.pickRail(s)
		if err != nil {
			resp.Results[i].Error = h.errorBody(err)
			continue
		}
		if d != nil {
			alternatives[i] = d.Alternatives
		}
		items = append(items, settlement.BatchItem{Rail: railID, Request: s.settlement(tenant)})
		positions = append(positions, i)
	}

	results, err := h.Executor.ExecuteBatch(r.Context(), items)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	for j, res := range results {
		i := positions[j]
		if res.Err != nil {
			resp.Results[i].Error = h.errorBody(res.Err)
			continue
		}
		dto := toSettlementDTO(res.Result.Record)
		dto.Duplicate = res.Result.Duplicate
		dto.Alternatives = railStrings(alternatives[i])
		resp.Results[i].Settlement = &dto
	}
	for _, item := range resp.Results {
		if item.Error != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelSettlement cancels a submitted settlement on rails that allow it.
// POST /api/settlement/{transferId}/cancel
func (h *Handler) CancelSettlement(w http.ResponseWriter, r *http.Request) {
	tenant := PrincipalFrom(r.Context()).TenantID
	rec, err := h.Executor.Cancel(r.Context(), tenant, chi.URLParam(r, "transferId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*rec))
}

// RefreshSettlement polls the rail for the settlement's status.
// POST /api/settlement/{transferId}/refresh
func (h *Handler) RefreshSettlement(w http.ResponseWriter, r *http.Request) {
	tenant := PrincipalFrom(r.Context()).TenantID
	rec, err := h.Executor.Refresh(r.Context(), tenant, chi.URLParam(r, "transferId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*rec))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation runs one pass synchronously.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	tenant := PrincipalFrom(r.Context()).TenantID
	if req.TenantID != "" && req.TenantID != tenant {
		writeError(w, http.StatusForbidden, "Cannot reconcile another tenant", nil)
		return
	}

	res, err := h.Engine.Run(r.Context(), reconcile.RunRequest{
		TenantID:    tenant,
		Rail:        rail.ID(req.Rail),
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		var failed *reconcile.FailedError
		if errors.As(err, &failed) && res != nil {
			body := h.errorBody(err)
			body.ReportID = failed.ReportID
			writeJSON(w, http.StatusInternalServerError, body)
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(res))
}

// ListReports lists the tenant's reports, newest first.
// GET /api/reconciliation/reports?rail&status&limit
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 0, maxTxLimit)
	if err != nil {
		h.writeDomainError(w, fieldError("limit", err.Error()))
		return
	}
	reports, err := h.Engine.Reports(r.Context(), reconcile.ReportFilter{
		TenantID: PrincipalFrom(r.Context()).TenantID,
		Rail:     rail.ID(q.Get("rail")),
		Status:   reconcile.Status(q.Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]ReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReport returns a report with the discrepancies linked to it.
// GET /api/reconciliation/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Report(r.Context(), PrincipalFrom(r.Context()).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(res))
}

// ListDiscrepancies filters the tenant's discrepancies.
// GET /api/reconciliation/discrepancies?status&severity&rail&limit
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := discrepancy.Filter{
		TenantID: PrincipalFrom(r.Context()).TenantID,
		Rail:     rail.ID(q.Get("rail")),
	}

	var fields []rail.FieldError
	switch s := q.Get("status"); s {
	case "", discrepancy.StatusOpen, discrepancy.StatusResolved:
		f.Status = s
	default:
		fields = append(fields, rail.FieldError{Field: "status", Message: "must be open or resolved"})
	}
	if s := q.Get("severity"); s != "" {
		sev, err := discrepancy.ParseSeverity(s)
		if err != nil {
			fields = append(fields, rail.FieldError{Field: "severity", Message: err.Error()})
		}
		f.Severity = sev
	}
	limit, err := parseLimit(q.Get("limit"), 0, maxTxLimit)
	if err != nil {
		fields = append(fields, rail.FieldError{Field: "limit", Message: err.Error()})
	}
	f.Limit = limit
	if len(fields) > 0 {
		h.writeDomainError(w, &rail.ValidationError{Fields: fields})
		return
	}

	ds, err := h.Engine.Discrepancies(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscrepancyDTOs(ds))
}

// ResolveDiscrepancy closes a discrepancy.
// POST /api/reconciliation/discrepancies/{id}/resolve
func (h *Handler) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	p := PrincipalFrom(r.Context())
	resolvedBy := req.ResolvedBy
	if p.Subject != "" {
		resolvedBy = p.Subject
	}
	if resolvedBy == "" {
		resolvedBy = "api"
	}

	d, err := h.Resolver.Resolve(r.Context(), discrepancy.ResolveRequest{
		TenantID:   p.TenantID,
		ID:         chi.URLParam(r, "id"),
		Resolution: req.Resolution,
		ResolvedBy: resolvedBy,
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscrepancyDTO(*d))
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz is the unauthenticated liveness probe.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rails": h.Registry.Load().Len()})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case rail.IsValidation(err), settlement.IsClientError(err), discrepancy.IsClientError(err):
		return http.StatusBadRequest
	case settlement.IsNotFound(err), reconcile.IsNotFound(err), discrepancy.IsNotFound(err),
		errors.Is(err, ledger.ErrTransferNotFound), errors.Is(err, rail.ErrTransactionNotFound):
		return http.StatusNotFound
	case settlement.IsConflict(err), reconcile.IsConflict(err), discrepancy.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNoEligibleRail):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// errorBody builds the response for err. 5xx details are hidden in
// production.
func (h *Handler) errorBody(err error) *ErrorResponse {
	status := statusFor(err)
	resp := &ErrorResponse{Error: http.StatusText(status), Code: rail.Code(err)}

	var verr *rail.ValidationError
	if errors.As(err, &verr) {
		resp.Error = "Validation failed"
		resp.Fields = verr.Fields
		return resp
	}
	if status < http.StatusInternalServerError || !h.Production {
		resp.Details = err.Error()
	}
	return resp
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("[API] request failed", "error", err)
	}
	writeJSON(w, status, h.errorBody(err))
}

func fieldError(field, message string) error {
	return &rail.ValidationError{Fields: []rail.FieldError{{Field: field, Message: message}}}
}

// parseTimeParam accepts RFC 3339 or a bare date (midnight UTC).
func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func parseLimit(s string, def, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
