package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
)

// =============================================================================
// LEDGER - transfers table
// =============================================================================
//
// Pages are keyset-paginated on (created_at, transfer_id). The cursor is the
// last row's "created_at|transfer_id"; created_at never contains '|'.

// RecordSettlement upserts a transfer keyed by (tenant, transfer id).
// created_at is kept from the first write that carried an external id, so
// the rail's submission time replaces the executor's claim time once known.
// A nil completion keeps the stored one.
func (s *Store) RecordSettlement(ctx context.Context, t ledger.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (tenant_id, transfer_id, rail, external_id, amount, currency, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, transfer_id) DO UPDATE SET
			rail = excluded.rail,
			external_id = COALESCE(excluded.external_id, transfers.external_id),
			amount = excluded.amount,
			currency = excluded.currency,
			status = excluded.status,
			created_at = CASE
				WHEN transfers.external_id IS NULL AND excluded.external_id IS NOT NULL
				THEN excluded.created_at ELSE transfers.created_at END,
			completed_at = COALESCE(excluded.completed_at, transfers.completed_at)
	`, t.TenantID, t.TransferID, string(t.Rail), nullString(t.ExternalID), t.Amount.String(),
		t.Currency, string(t.Status), formatTime(t.CreatedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// ListTransfers pages a tenant's transfers on one rail created in [From, To).
func (s *Store) ListTransfers(ctx context.Context, q ledger.Query) (*ledger.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	query := `
		SELECT tenant_id, transfer_id, rail, external_id, amount, currency, status, created_at, completed_at
		FROM transfers
		WHERE tenant_id = ? AND rail = ? AND created_at >= ? AND created_at < ?`
	args := []any{q.TenantID, string(q.Rail), formatTime(q.From), formatTime(q.To)}

	if q.Cursor != "" {
		createdAt, transferID, ok := strings.Cut(q.Cursor, "|")
		if !ok {
			return nil, &rail.ValidationError{Fields: []rail.FieldError{{Field: "cursor", Message: "is invalid"}}}
		}
		query += ` AND (created_at > ? OR (created_at = ? AND transfer_id > ?))`
		args = append(args, createdAt, createdAt, transferID)
	}
	query += ` ORDER BY created_at, transfer_id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	page := &ledger.Page{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		page.Transfers = append(page.Transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Transfers) > limit {
		page.Transfers = page.Transfers[:limit]
		last := page.Transfers[limit-1]
		page.NextCursor = formatTime(last.CreatedAt) + "|" + last.TransferID
	}
	return page, nil
}

// GetTransfer returns one ledger transfer.
func (s *Store) GetTransfer(ctx context.Context, tenant, transferID string) (*ledger.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := scanTransfer(s.db.QueryRowContext(ctx, `
		SELECT tenant_id, transfer_id, rail, external_id, amount, currency, status, created_at, completed_at
		FROM transfers WHERE tenant_id = ? AND transfer_id = ?
	`, tenant, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

func scanTransfer(row scanner) (*ledger.Transfer, error) {
	var t ledger.Transfer
	var railID, amount, status, createdAt string
	var externalID, completedAt sql.NullString

	if err := row.Scan(&t.TenantID, &t.TransferID, &railID, &externalID, &amount,
		&t.Currency, &status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	t.Rail = rail.ID(railID)
	t.ExternalID = externalID.String
	t.Amount = parseDecimal(amount)
	t.Status = rail.Status(status)
	t.CreatedAt = parseTime(createdAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

var _ ledger.Ledger = (*Store)(nil)
