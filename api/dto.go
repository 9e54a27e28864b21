/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract: field names are camelCase,
  amounts are decimal strings, times are RFC 3339 UTC.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Rails:          RailDTO, CapabilitiesDTO, BalanceDTO, TransactionDTO
  Settlement:     RouteRequest, RouteResponse, ExecuteRequest, SettlementDTO,
                  BatchRequest, BatchResponse
  Reconciliation: RunRequest, ReportDTO, DiscrepancyDTO, ResolveRequest
  Errors:         ErrorResponse

VALIDATION:
  Validation lives in the domain packages (rail, routing, reconcile,
  discrepancy). DTOs only convert.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/routing"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// RAILS
// =============================================================================

// RailDTO represents a configured rail.
type RailDTO struct {
	ID            string          `json:"id"`
	Sandbox       bool            `json:"sandbox"`
	Healthy       bool            `json:"healthy"`
	HealthMessage string          `json:"healthMessage,omitempty"`
	CheckedAt     *string         `json:"checkedAt,omitempty"`
	Capabilities  CapabilitiesDTO `json:"capabilities"`
}

type CapabilitiesDTO struct {
	Currencies            []string        `json:"currencies"`
	DestinationCurrencies []string        `json:"destinationCurrencies,omitempty"`
	Countries             []string        `json:"countries,omitempty"`
	MinAmount             decimal.Decimal `json:"minAmount"`
	MaxAmount             decimal.Decimal `json:"maxAmount"`
	EstimatedTimeSeconds  int             `json:"estimatedTimeSeconds"`
	FeePercentage         decimal.Decimal `json:"feePercentage"`
}

type BalanceDTO struct {
	Rail      string          `json:"rail"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt string          `json:"updatedAt"`
}

// TransactionDTO is a rail's view of one settlement.
type TransactionDTO struct {
	ExternalID          string            `json:"externalId"`
	TransferID          string            `json:"transferId,omitempty"`
	Rail                string            `json:"rail"`
	Status              string            `json:"status"`
	SourceAmount        decimal.Decimal   `json:"sourceAmount"`
	SourceCurrency      string            `json:"sourceCurrency"`
	DestinationAmount   *decimal.Decimal  `json:"destinationAmount,omitempty"`
	DestinationCurrency string            `json:"destinationCurrency,omitempty"`
	FXRate              *decimal.Decimal  `json:"fxRate,omitempty"`
	Fee                 decimal.Decimal   `json:"fee"`
	SubmittedAt         string            `json:"submittedAt"`
	CompletedAt         *string           `json:"completedAt,omitempty"`
	ErrorMessage        string            `json:"errorMessage,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	HasMore      bool             `json:"hasMore"`
	NextCursor   string           `json:"nextCursor,omitempty"`
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// DestinationDTO is where the money goes.
type DestinationDTO struct {
	Currency string `json:"currency,omitempty"`
	Account  string `json:"account,omitempty"`
	Country  string `json:"country,omitempty"`
}

// RouteRequest asks for a routing decision.
type RouteRequest struct {
	TransferID  string          `json:"transferId"`
	Protocol    string          `json:"protocol"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination DestinationDTO  `json:"destination"`
}

func (r RouteRequest) routing() (routing.Request, error) {
	p, err := routing.ParseProtocol(r.Protocol)
	if err != nil {
		return routing.Request{}, &rail.ValidationError{Fields: []rail.FieldError{{Field: "protocol", Message: err.Error()}}}
	}
	return routing.Request{
		TransferID:          r.TransferID,
		Protocol:            p,
		Amount:              r.Amount,
		SourceCurrency:      r.Currency,
		DestinationCurrency: r.Destination.Currency,
		DestinationCountry:  r.Destination.Country,
	}, nil
}

type RouteResponse struct {
	TransferID     string            `json:"transferId,omitempty"`
	SelectedRail   string            `json:"selectedRail"`
	Alternatives   []string          `json:"alternatives"`
	Excluded       map[string]string `json:"excluded,omitempty"`
	DecisionTimeUs int64             `json:"decisionTimeUs"`
}

func toRouteResponse(transferID string, d *routing.Decision) RouteResponse {
	resp := RouteResponse{
		TransferID:     transferID,
		SelectedRail:   string(d.Selected),
		Alternatives:   railStrings(d.Alternatives),
		DecisionTimeUs: d.DecisionTime.Microseconds(),
	}
	if len(d.Excluded) > 0 {
		resp.Excluded = make(map[string]string, len(d.Excluded))
		for id, why := range d.Excluded {
			resp.Excluded[string(id)] = why
		}
	}
	return resp
}

// ExecuteRequest submits one settlement. Rail is optional; without it the
// router picks one for Protocol (default cross_border).
type ExecuteRequest struct {
	TransferID     string            `json:"transferId"`
	Rail           string            `json:"rail,omitempty"`
	Protocol       string            `json:"protocol,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Destination    DestinationDTO    `json:"destination"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r ExecuteRequest) settlement(tenant string) rail.SettlementRequest {
	return rail.SettlementRequest{
		TransferID:          r.TransferID,
		TenantID:            tenant,
		Amount:              r.Amount,
		Currency:            r.Currency,
		DestinationCurrency: r.Destination.Currency,
		DestinationAccount:  r.Destination.Account,
		DestinationCountry:  r.Destination.Country,
		IdempotencyKey:      r.IdempotencyKey,
		Metadata:            r.Metadata,
	}
}

func (r ExecuteRequest) route() RouteRequest {
	p := r.Protocol
	if p == "" {
		p = string(routing.ProtocolCrossBorder)
	}
	return RouteRequest{TransferID: r.TransferID, Protocol: p, Amount: r.Amount, Currency: r.Currency, Destination: r.Destination}
}

// SettlementDTO is the executor's record of a settlement.
type SettlementDTO struct {
	TransferID          string          `json:"transferId"`
	Rail                string          `json:"rail"`
	ExternalID          string          `json:"externalId,omitempty"`
	Status              string          `json:"status"`
	State               string          `json:"state"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Destination         DestinationDTO  `json:"destination"`
	Attempts            int             `json:"attempts"`
	EstimatedCompletion *string         `json:"estimatedCompletion,omitempty"`
	ErrorCode           string          `json:"errorCode,omitempty"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	Duplicate           bool            `json:"duplicate,omitempty"`
	Alternatives        []string        `json:"alternatives,omitempty"`
	UpdatedAt           string          `json:"updatedAt"`
}

func toSettlementDTO(rec settlement.Record) SettlementDTO {
	return SettlementDTO{
		TransferID: rec.TransferID,
		Rail:       string(rec.Rail),
		ExternalID: rec.ExternalID,
		Status:     string(rec.Status),
		State:      string(rec.State),
		Amount:     rec.Amount,
		Currency:   rec.Currency,
		Destination: DestinationDTO{
			Currency: rec.DestinationCurrency,
			Account:  rec.DestinationAccount,
			Country:  rec.DestinationCountry,
		},
		Attempts:            rec.Attempts,
		EstimatedCompletion: formatTimePtr(rec.EstimatedCompletion),
		ErrorCode:           rec.ErrorCode,
		ErrorMessage:        rec.ErrorMessage,
		UpdatedAt:           formatTime(rec.UpdatedAt),
	}
}

// BatchRequest holds up to settlement.MaxBatchSize settlements.
type BatchRequest struct {
	Settlements []ExecuteRequest `json:"settlements"`
}

type BatchItemDTO struct {
	TransferID string         `json:"transferId"`
	Settlement *SettlementDTO `json:"settlement,omitempty"`
	Error      *ErrorResponse `json:"error,omitempty"`
}

type BatchResponse struct {
	Results   []BatchItemDTO `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RunRequest runs one reconciliation pass. TenantID defaults to the caller's.
type RunRequest struct {
	Rail        string    `json:"rail"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	TenantID    string    `json:"tenantId,omitempty"`
}

type TotalsDTO struct {
	Expected   decimal.Decimal `json:"expected"`
	Actual     decimal.Decimal `json:"actual"`
	Difference decimal.Decimal `json:"difference"`
}

// ReportDTO is a reconciliation report.
type ReportDTO struct {
	ID                  string               `json:"id"`
	TenantID            string               `json:"tenantId"`
	Rail                string               `json:"rail"`
	PeriodStart         string               `json:"periodStart"`
	PeriodEnd           string               `json:"periodEnd"`
	Status              string               `json:"status"`
	TotalTransactions   int                  `json:"totalTransactions"`
	LedgerTransfers     int                  `json:"ledgerTransfers"`
	MatchedTransactions int                  `json:"matchedTransactions"`
	DiscrepancyCount    int                  `json:"discrepancyCount"`
	Totals              map[string]TotalsDTO `json:"totals,omitempty"`
	ByType              map[string]int       `json:"byType,omitempty"`
	BySeverity          map[string]int       `json:"bySeverity,omitempty"`
	StartedAt           string               `json:"startedAt"`
	CompletedAt         *string              `json:"completedAt,omitempty"`
	DurationMs          int64                `json:"durationMs"`
	Error               string               `json:"error,omitempty"`
}

func toReportDTO(r reconcile.Report) ReportDTO {
	dto := ReportDTO{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		Rail:                string(r.Rail),
		PeriodStart:         formatTime(r.PeriodStart),
		PeriodEnd:           formatTime(r.PeriodEnd),
		Status:              string(r.Status),
		TotalTransactions:   r.TotalTransactions,
		LedgerTransfers:     r.LedgerTransfers,
		MatchedTransactions: r.MatchedTransactions,
		DiscrepancyCount:    r.DiscrepancyCount,
		StartedAt:           formatTime(r.StartedAt),
		CompletedAt:         formatTimePtr(r.CompletedAt),
		DurationMs:          r.Duration.Milliseconds(),
		Error:               r.Error,
	}
	if len(r.Totals) > 0 {
		dto.Totals = make(map[string]TotalsDTO, len(r.Totals))
		for cur, t := range r.Totals {
			dto.Totals[cur] = TotalsDTO(t)
		}
	}
	if len(r.ByType) > 0 {
		dto.ByType = make(map[string]int, len(r.ByType))
		for t, n := range r.ByType {
			dto.ByType[string(t)] = n
		}
	}
	if len(r.BySeverity) > 0 {
		dto.BySeverity = make(map[string]int, len(r.BySeverity))
		for s, n := range r.BySeverity {
			dto.BySeverity[string(s)] = n
		}
	}
	return dto
}

type RunResponse struct {
	Report        ReportDTO        `json:"report"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

func toRunResponse(res *reconcile.Result) RunResponse {
	return RunResponse{Report: toReportDTO(res.Report), Discrepancies: toDiscrepancyDTOs(res.Discrepancies)}
}

// DiscrepancyDTO is one detected disagreement.
type DiscrepancyDTO struct {
	ID             string           `json:"id"`
	ReportID       string           `json:"reportId"`
	Rail           string           `json:"rail"`
	Type           string           `json:"type"`
	Severity       string           `json:"severity"`
	TransferID     string           `json:"transferId,omitempty"`
	ExternalID     string           `json:"externalId,omitempty"`
	ExpectedAmount *decimal.Decimal `json:"expectedAmount,omitempty"`
	ActualAmount   *decimal.Decimal `json:"actualAmount,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	ExpectedStatus string           `json:"expectedStatus,omitempty"`
	ActualStatus   string           `json:"actualStatus,omitempty"`
	Description    string           `json:"description"`
	DetectedAt     string           `json:"detectedAt"`
	Resolved       bool             `json:"resolved"`
	ResolvedBy     string           `json:"resolvedBy,omitempty"`
	ResolvedAt     *string          `json:"resolvedAt,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

func toDiscrepancyDTO(d discrepancy.Discrepancy) DiscrepancyDTO {
	dto := DiscrepancyDTO{
		ID:             d.ID,
		ReportID:       d.ReportID,
		Rail:           string(d.Rail),
		Type:           string(d.Type),
		Severity:       string(d.Severity),
		TransferID:     d.TransferID,
		ExternalID:     d.ExternalID,
		ExpectedAmount: d.ExpectedAmount,
		ActualAmount:   d.ActualAmount,
		Currency:       d.Currency,
		ExpectedStatus: string(d.ExpectedStatus),
		ActualStatus:   string(d.ActualStatus),
		Description:    d.Description,
		DetectedAt:     formatTime(d.DetectedAt),
	}
	if res := d.Resolution; res != nil {
		dto.Resolved = true
		dto.ResolvedBy = res.ResolvedBy
		dto.ResolvedAt = formatTimePtr(&res.ResolvedAt)
		dto.Resolution = res.Resolution
		dto.Notes = res.Notes
	}
	return dto
}

func toDiscrepancyDTOs(ds []discrepancy.Discrepancy) []DiscrepancyDTO {
	out := make([]DiscrepancyDTO, len(ds))
	for i, d := range ds {
		out[i] = toDiscrepancyDTO(d)
	}
	return out
}

// ResolveRequest closes a discrepancy. ResolvedBy defaults to the caller.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
	Notes      string `json:"notes,omitempty"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is every non-2xx body.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Details  string            `json:"details,omitempty"`
	Code     string            `json:"code,omitempty"`
	Fields   []rail.FieldError `json:"fields,omitempty"`
	ReportID string            `json:"reportId,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func railStrings(ids []rail.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
