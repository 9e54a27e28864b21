package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/reconcile"
)

// =============================================================================
// RECONCILIATION REPORTS
// =============================================================================

const reportColumns = `id, tenant_id, rail, period_start, period_end, status,
	total_transactions, ledger_transfers, matched_transactions, discrepancy_count,
	totals_json, by_type_json, by_severity_json,
	started_at, completed_at, duration_ms, error, last_cursor`

// CreateReport inserts a running report.
func (s *Store) CreateReport(ctx context.Context, r reconcile.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (id, tenant_id, rail, period_start, period_end, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TenantID, string(r.Rail), formatTime(r.PeriodStart), formatTime(r.PeriodEnd),
		string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// CompleteRun writes the final report and its discrepancies in one
// transaction. An open discrepancy with the same fingerprint is linked
// instead of inserted.
func (s *Store) CompleteRun(ctx context.Context, r reconcile.Report, ds []discrepancy.Discrepancy) ([]discrepancy.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]discrepancy.Discrepancy, 0, len(ds))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateReport(ctx, tx, r); err != nil {
			return err
		}

		for _, d := range ds {
			existing, err := scanDiscrepancy(tx.QueryRowContext(ctx,
				`SELECT `+discrepancyColumns+` FROM discrepancies WHERE fingerprint = ? AND resolved_at IS NULL`,
				d.Fingerprint))
			switch {
			case err == nil:
				d = *existing
			case errors.Is(err, sql.ErrNoRows):
				if err := insertDiscrepancy(ctx, tx, d); err != nil {
					return err
				}
			default:
				return fmt.Errorf("failed to look up fingerprint: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO report_discrepancies (report_id, discrepancy_id) VALUES (?, ?)
				ON CONFLICT(report_id, discrepancy_id) DO NOTHING
			`, r.ID, d.ID); err != nil {
				return fmt.Errorf("failed to link discrepancy: %w", err)
			}
			stored = append(stored, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// FailRun records a failed run.
func (s *Store) FailRun(ctx context.Context, r reconcile.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateReport(ctx, s.db, r)
}

func updateReport(ctx context.Context, q querier, r reconcile.Report) error {
	totals, err := json.Marshal(r.Totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}
	byType, err := json.Marshal(r.ByType)
	if err != nil {
		return fmt.Errorf("failed to encode type counts: %w", err)
	}
	bySeverity, err := json.Marshal(r.BySeverity)
	if err != nil {
		return fmt.Errorf("failed to encode severity counts: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE reconciliation_reports SET
			status = ?, total_transactions = ?, ledger_transfers = ?, matched_transactions = ?,
			discrepancy_count = ?, totals_json = ?, by_type_json = ?, by_severity_json = ?,
			completed_at = ?, duration_ms = ?, error = ?, last_cursor = ?
		WHERE id = ?
	`, string(r.Status), r.TotalTransactions, r.LedgerTransfers, r.MatchedTransactions,
		r.DiscrepancyCount, string(totals), string(byType), string(bySeverity),
		nullTime(r.CompletedAt), r.Duration.Milliseconds(), nullString(r.Error), nullString(r.LastCursor),
		r.ID)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reconcile.ErrReportNotFound
	}
	return nil
}

// GetReport returns a tenant's report.
func (s *Store) GetReport(ctx context.Context, tenant, id string) (*reconcile.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reconciliation_reports WHERE id = ? AND tenant_id = ?`, id, tenant))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListReports returns reports newest first.
func (s *Store) ListReports(ctx context.Context, f reconcile.ReportFilter) ([]reconcile.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Rail != "" {
		where = append(where, "rail = ?")
		args = append(args, string(f.Rail))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + reportColumns + ` FROM reconciliation_reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanReport(row scanner) (*reconcile.Report, error) {
	var r reconcile.Report
	var railID, periodStart, periodEnd, status, startedAt string
	var totals, byType, bySeverity, completedAt, errText, lastCursor sql.NullString
	var durationMS int64

	err := row.Scan(&r.ID, &r.TenantID, &railID, &periodStart, &periodEnd, &status,
		&r.TotalTransactions, &r.LedgerTransfers, &r.MatchedTransactions, &r.DiscrepancyCount,
		&totals, &byType, &bySeverity,
		&startedAt, &completedAt, &durationMS, &errText, &lastCursor)
	if err != nil {
		return nil, err
	}

	r.Rail = rail.ID(railID)
	r.PeriodStart = parseTime(periodStart)
	r.PeriodEnd = parseTime(periodEnd)
	r.Status = reconcile.Status(status)
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.Duration = msDuration(durationMS)
	r.Error = errText.String
	r.LastCursor = lastCursor.String

	if err := unmarshalNullable(totals, &r.Totals); err != nil {
		return nil, fmt.Errorf("failed to decode totals: %w", err)
	}
	if err := unmarshalNullable(byType, &r.ByType); err != nil {
		return nil, fmt.Errorf("failed to decode type counts: %w", err)
	}
	if err := unmarshalNullable(bySeverity, &r.BySeverity); err != nil {
		return nil, fmt.Errorf("failed to decode severity counts: %w", err)
	}
	return &r, nil
}

func unmarshalNullable(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

// =============================================================================
// DISCREPANCIES
// =============================================================================

const discrepancyColumns = `id, tenant_id, rail, report_id, type, severity, transfer_id, external_id,
	expected_amount, actual_amount, currency, expected_status, actual_status,
	description, detected_at, fingerprint, resolved_by, resolved_at, resolution, notes`

func insertDiscrepancy(ctx context.Context, q querier, d discrepancy.Discrepancy) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO discrepancies (`+discrepancyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL)
	`, d.ID, d.TenantID, string(d.Rail), d.ReportID, string(d.Type), string(d.Severity),
		nullString(d.TransferID), nullString(d.ExternalID),
		nullDecimal(d.ExpectedAmount), nullDecimal(d.ActualAmount), nullString(d.Currency),
		nullString(string(d.ExpectedStatus)), nullString(string(d.ActualStatus)),
		nullString(d.Description), formatTime(d.DetectedAt), d.Fingerprint)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("discrepancy %s already open: %w", d.Fingerprint, err)
		}
		return fmt.Errorf("failed to insert discrepancy: %w", err)
	}
	return nil
}

// GetDiscrepancy returns a tenant's discrepancy.
func (s *Store) GetDiscrepancy(ctx context.Context, tenant, id string) (*discrepancy.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := scanDiscrepancy(s.db.QueryRowContext(ctx,
		`SELECT `+discrepancyColumns+` FROM discrepancies WHERE id = ? AND tenant_id = ?`, id, tenant))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, discrepancy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discrepancy: %w", err)
	}
	return d, nil
}

// ListDiscrepancies returns discrepancies newest first. With a ReportID it
// returns those linked to that report, in detection order.
func (s *Store) ListDiscrepancies(ctx context.Context, f discrepancy.Filter) ([]discrepancy.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	from := "discrepancies d"
	order := "d.detected_at DESC, d.id"
	if f.ReportID != "" {
		from += " JOIN report_discrepancies rd ON rd.discrepancy_id = d.id"
		where = append(where, "rd.report_id = ?")
		args = append(args, f.ReportID)
		order = "d.detected_at, d.id"
	}
	if f.TenantID != "" {
		where = append(where, "d.tenant_id = ?")
		args = append(args, f.TenantID)
	}
	switch f.Status {
	case discrepancy.StatusOpen:
		where = append(where, "d.resolved_at IS NULL")
	case discrepancy.StatusResolved:
		where = append(where, "d.resolved_at IS NOT NULL")
	}
	if f.Severity != "" {
		where = append(where, "d.severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Rail != "" {
		where = append(where, "d.rail = ?")
		args = append(args, string(f.Rail))
	}

	cols := "d." + strings.Join(strings.Fields(strings.ReplaceAll(discrepancyColumns, ",", " ")), ", d.")
	query := "SELECT " + cols + " FROM " + from
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order + " LIMIT ?"
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []discrepancy.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ResolveDiscrepancy sets the resolution if none is set, with its audit
// entry in the same transaction. False means someone else resolved it first.
func (s *Store) ResolveDiscrepancy(ctx context.Context, tenant, id string, res discrepancy.Resolution, audit discrepancy.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	won := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE discrepancies SET resolved_by = ?, resolved_at = ?, resolution = ?, notes = ?
			WHERE id = ? AND tenant_id = ? AND resolved_at IS NULL
		`, res.ResolvedBy, formatTime(res.ResolvedAt), res.Resolution, nullString(res.Notes), id, tenant)
		if err != nil {
			return fmt.Errorf("failed to resolve discrepancy: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func scanDiscrepancy(row scanner) (*discrepancy.Discrepancy, error) {
	var d discrepancy.Discrepancy
	var railID, typ, severity, detectedAt string
	var transferID, externalID, expected, actual, currency, expectedStatus, actualStatus, description sql.NullString
	var resolvedBy, resolvedAt, resolution, notes sql.NullString

	err := row.Scan(&d.ID, &d.TenantID, &railID, &d.ReportID, &typ, &severity, &transferID, &externalID,
		&expected, &actual, &currency, &expectedStatus, &actualStatus,
		&description, &detectedAt, &d.Fingerprint, &resolvedBy, &resolvedAt, &resolution, &notes)
	if err != nil {
		return nil, err
	}

	d.Rail = rail.ID(railID)
	d.Type = discrepancy.Type(typ)
	d.Severity = discrepancy.Severity(severity)
	d.TransferID = transferID.String
	d.ExternalID = externalID.String
	d.ExpectedAmount = decimalPtr(expected)
	d.ActualAmount = decimalPtr(actual)
	d.Currency = currency.String
	d.ExpectedStatus = rail.Status(expectedStatus.String)
	d.ActualStatus = rail.Status(actualStatus.String)
	d.Description = description.String
	d.DetectedAt = parseTime(detectedAt)
	if resolvedAt.Valid {
		d.Resolution = &discrepancy.Resolution{
			ResolvedBy: resolvedBy.String,
			ResolvedAt: parseTime(resolvedAt.String),
			Resolution: resolution.String,
			Notes:      notes.String,
		}
	}
	return &d, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func insertAudit(ctx context.Context, q querier, a discrepancy.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor, action, entity_type, entity_id, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.Actor, a.Action, a.EntityType, a.EntityID, nullString(a.Detail), formatTime(a.At))
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// AuditLog returns a tenant's audit entries for one entity, oldest first.
func (s *Store) AuditLog(ctx context.Context, tenant, entityID string) ([]discrepancy.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor, action, entity_type, entity_id, detail, at
		FROM audit_log WHERE tenant_id = ? AND entity_id = ?
		ORDER BY at, id
	`, tenant, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer rows.Close()

	var out []discrepancy.AuditEntry
	for rows.Next() {
		var a discrepancy.AuditEntry
		var detail sql.NullString
		var at string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Actor, &a.Action, &a.EntityType, &a.EntityID, &detail, &at); err != nil {
			return nil, err
		}
		a.Detail = detail.String
		a.At = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

var (
	_ reconcile.Store   = (*Store)(nil)
	_ discrepancy.Store = (*Store)(nil)
)
