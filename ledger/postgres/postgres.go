/*
Package postgres reads and writes the platform ledger's transfers table.

SCHEMA:
  The ledger service owns the table; Migrate creates it only when missing,
  for development databases and tests.

  settlement_transfers (
    tenant_id     TEXT,
    transfer_id   TEXT,
    rail          TEXT,
    external_id   TEXT NULL,
    amount        NUMERIC(38, 18),
    currency      TEXT,
    status        TEXT,
    created_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ NULL,
    PRIMARY KEY (tenant_id, transfer_id)
  )

PAGING:
  Keyset on (created_at, transfer_id), same as store/sqlite. The cursor is
  "<RFC3339Nano created_at>|<transfer_id>".
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
)

// Ledger is a ledger.Ledger over Postgres.
type Ledger struct {
	db *sql.DB
}

// Open connects with a lib/pq DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach ledger database: %w", err)
	}
	return &Ledger{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Ledger { return &Ledger{db: db} }

// Close closes the pool.
func (l *Ledger) Close() error { return l.db.Close() }

// Migrate creates the transfers table if it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_transfers (
			tenant_id TEXT NOT NULL,
			transfer_id TEXT NOT NULL,
			rail TEXT NOT NULL,
			external_id TEXT,
			amount NUMERIC(38, 18) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, transfer_id)
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_transfers_window
			ON settlement_transfers (tenant_id, rail, created_at, transfer_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// RecordSettlement upserts by (tenant, transfer id), keeping any completion
// already stored. created_at is kept once a write with an external id set it.
func (l *Ledger) RecordSettlement(ctx context.Context, t ledger.Transfer) error {
	var ext sql.NullString
	if t.ExternalID != "" {
		ext = sql.NullString{String: t.ExternalID, Valid: true}
	}
	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO settlement_transfers
			(tenant_id, transfer_id, rail, external_id, amount, currency, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, transfer_id) DO UPDATE SET
			rail = EXCLUDED.rail,
			external_id = COALESCE(EXCLUDED.external_id, settlement_transfers.external_id),
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			created_at = CASE
				WHEN settlement_transfers.external_id IS NULL AND EXCLUDED.external_id IS NOT NULL
				THEN EXCLUDED.created_at ELSE settlement_transfers.created_at END,
			completed_at = COALESCE(EXCLUDED.completed_at, settlement_transfers.completed_at)
	`, t.TenantID, t.TransferID, string(t.Rail), ext, t.Amount.String(), t.Currency,
		string(t.Status), t.CreatedAt.UTC(), completed)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// ListTransfers pages a tenant's transfers on one rail created in [From, To).
func (l *Ledger) ListTransfers(ctx context.Context, q ledger.Query) (*ledger.Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	query := `
		SELECT tenant_id, transfer_id, rail, external_id, amount::TEXT, currency, status, created_at, completed_at
		FROM settlement_transfers
		WHERE tenant_id = $1 AND rail = $2 AND created_at >= $3 AND created_at < $4`
	args := []any{q.TenantID, string(q.Rail), q.From.UTC(), q.To.UTC()}

	if q.Cursor != "" {
		after, transferID, err := parseCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at, transfer_id) > ($5, $6)`
		args = append(args, after, transferID)
	}
	query += fmt.Sprintf(` ORDER BY created_at, transfer_id LIMIT %d`, limit+1)

	rows, err := l.db.QueryContext(ctx, query, args...)
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
		page.Transfers = append(page.Transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	if len(page.Transfers) > limit {
		page.Transfers = page.Transfers[:limit]
		last := page.Transfers[limit-1]
		page.NextCursor = last.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + last.TransferID
	}
	return page, nil
}

// GetTransfer returns one transfer.
func (l *Ledger) GetTransfer(ctx context.Context, tenant, transferID string) (*ledger.Transfer, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT tenant_id, transfer_id, rail, external_id, amount::TEXT, currency, status, created_at, completed_at
		FROM settlement_transfers
		WHERE tenant_id = $1 AND transfer_id = $2
	`, tenant, transferID)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseCursor(cursor string) (time.Time, string, error) {
	invalid := &rail.ValidationError{Fields: []rail.FieldError{{Field: "cursor", Message: "is invalid"}}}
	ts, transferID, ok := strings.Cut(cursor, "|")
	if !ok {
		return time.Time{}, "", invalid
	}
	after, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", invalid
	}
	return after, transferID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (ledger.Transfer, error) {
	var (
		t                      ledger.Transfer
		railID, status, amount string
		ext                    sql.NullString
		completed              sql.NullTime
	)
	if err := row.Scan(&t.TenantID, &t.TransferID, &railID, &ext, &amount, &t.Currency,
		&status, &t.CreatedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan transfer: %w", err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return t, fmt.Errorf("transfer %s: bad amount %q: %w", t.TransferID, amount, err)
	}
	t.Amount = d
	t.Rail = rail.ID(railID)
	t.Status = rail.Status(status)
	t.ExternalID = ext.String
	t.CreatedAt = t.CreatedAt.UTC()
	if completed.Valid {
		c := completed.Time.UTC()
		t.CompletedAt = &c
	}
	return t, nil
}

var _ ledger.Ledger = (*Ledger)(nil)
