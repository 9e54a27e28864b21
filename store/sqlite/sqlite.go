/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the settlement engine using
  SQLite. Sandbox tenants and development deployments run entirely on it;
  production keeps the same patterns on PostgreSQL.

INTERFACES IMPLEMENTED:
  settlement.Store:   Idempotent settlement claims (settlements.go)
  ledger.Ledger:      Sandbox ledger transfers (ledger.go)
  reconcile.Store:    Reports and discrepancies (reconciliation.go)
  discrepancy.Store:  Resolution with audit (reconciliation.go)

KEY TABLES:
  settlements:          One row per tenant transfer; the claim row
  transfers:            Ledger view of transfers settled on rails
  reconciliation_reports: One row per run
  discrepancies:        Detected disagreements, resolution columns inline
  report_discrepancies: Which reports saw which discrepancy
  audit_log:            Resolution audit trail

INVARIANTS ENFORCED BY SCHEMA:
  - settlements.idempotency_key is the primary key and (tenant_id,
    transfer_id) is unique: the claim is an INSERT ... ON CONFLICT DO NOTHING
  - idx_settlements_request_key: a caller key names one transfer per tenant
  - idx_discrepancies_open_fingerprint: at most one OPEN discrepancy per
    fingerprint, so re-running a window cannot duplicate one
  - resolution is written with WHERE resolved_at IS NULL (one-way CAS)

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (nanosecond precision), so
  string comparison in SQL orders them correctly.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/memory: In-memory settlement store for unit tests
  - ledger/postgres: Platform ledger reader
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed-width so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Settlement claims (one row per tenant transfer)
	CREATE TABLE IF NOT EXISTS settlements (
		idempotency_key TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		transfer_id TEXT NOT NULL,
		rail TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		destination_currency TEXT,
		destination_account TEXT,
		destination_country TEXT,
		state TEXT NOT NULL,
		owner TEXT NOT NULL,
		external_id TEXT,
		status TEXT NOT NULL,
		error_code TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		estimated_completion TEXT,
		claimed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		request_key TEXT
	);

	-- CRITICAL: one claim per tenant transfer, one transfer per request key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_tenant_transfer
		ON settlements(tenant_id, transfer_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_request_key
		ON settlements(tenant_id, request_key) WHERE request_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_settlements_open
		ON settlements(state, status, claimed_at);

	-- Ledger transfers settled on rails
	CREATE TABLE IF NOT EXISTS transfers (
		tenant_id TEXT NOT NULL,
		transfer_id TEXT NOT NULL,
		rail TEXT NOT NULL,
		external_id TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		PRIMARY KEY (tenant_id, transfer_id)
	);

	-- Reconciliation window scan (hot path)
	CREATE INDEX IF NOT EXISTS idx_transfers_window
		ON transfers(tenant_id, rail, created_at, transfer_id);

	-- Reconciliation reports
	CREATE TABLE IF NOT EXISTS reconciliation_reports (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rail TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL,
		total_transactions INTEGER NOT NULL DEFAULT 0,
		ledger_transfers INTEGER NOT NULL DEFAULT 0,
		matched_transactions INTEGER NOT NULL DEFAULT 0,
		discrepancy_count INTEGER NOT NULL DEFAULT 0,
		totals_json TEXT,
		by_type_json TEXT,
		by_severity_json TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		last_cursor TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reports_tenant
		ON reconciliation_reports(tenant_id, started_at DESC);

	-- Discrepancies
	CREATE TABLE IF NOT EXISTS discrepancies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rail TEXT NOT NULL,
		report_id TEXT NOT NULL REFERENCES reconciliation_reports(id),
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		transfer_id TEXT,
		external_id TEXT,
		expected_amount TEXT,
		actual_amount TEXT,
		currency TEXT,
		expected_status TEXT,
		actual_status TEXT,
		description TEXT,
		detected_at TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		resolved_by TEXT,
		resolved_at TEXT,
		resolution TEXT,
		notes TEXT
	);

	-- CRITICAL: at most one open discrepancy per fingerprint
	CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open_fingerprint
		ON discrepancies(fingerprint) WHERE resolved_at IS NULL;

	CREATE INDEX IF NOT EXISTS idx_discrepancies_tenant
		ON discrepancies(tenant_id, detected_at DESC);

	-- Report ↔ discrepancy links (a re-run links open discrepancies again)
	CREATE TABLE IF NOT EXISTS report_discrepancies (
		report_id TEXT NOT NULL REFERENCES reconciliation_reports(id),
		discrepancy_id TEXT NOT NULL REFERENCES discrepancies(id),
		PRIMARY KEY (report_id, discrepancy_id)
	);

	-- Audit trail
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id, at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a database transaction. Caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
