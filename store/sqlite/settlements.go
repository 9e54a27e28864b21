package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SETTLEMENT STORE
// =============================================================================

const settlementColumns = `idempotency_key, tenant_id, transfer_id, rail, amount, currency,
	destination_currency, destination_account, destination_country,
	state, owner, external_id, status, error_code, error_message, attempts,
	estimated_completion, claimed_at, updated_at, request_key`

// Claim inserts rec unless its idempotency key, its transfer or its tenant's
// request key is taken. The loser gets the conflicting record back.
func (s *Store) Claim(ctx context.Context, rec settlement.Record) (*settlement.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, settlementArgs(rec)...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &rec, true, nil
	}

	existing, err := scanSettlement(s.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE idempotency_key = ?
			OR (tenant_id = ? AND transfer_id = ?)
			OR (tenant_id = ? AND request_key = ?)
		ORDER BY idempotency_key = ? DESC, transfer_id = ? DESC
		LIMIT 1
	`, rec.IdempotencyKey, rec.TenantID, rec.TransferID, rec.TenantID, nullString(rec.RequestKey),
		rec.IdempotencyKey, rec.TransferID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing claim: %w", err)
	}
	return existing, false, nil
}

// TakeOver moves a non-submitted record to a new owner if prevOwner still
// holds it.
func (s *Store) TakeOver(ctx context.Context, prevOwner string, rec settlement.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET
			owner = ?, state = ?, rail = ?, amount = ?, currency = ?,
			destination_currency = ?, destination_account = ?, destination_country = ?,
			status = ?, error_code = NULL, error_message = NULL, attempts = ?,
			claimed_at = ?, updated_at = ?
		WHERE idempotency_key = ? AND owner = ? AND state != ?
	`, rec.Owner, string(settlement.StateInFlight), string(rec.Rail), rec.Amount.String(), rec.Currency,
		nullString(rec.DestinationCurrency), nullString(rec.DestinationAccount), nullString(rec.DestinationCountry),
		string(rec.Status), rec.Attempts, formatTime(rec.ClaimedAt), formatTime(rec.UpdatedAt),
		rec.IdempotencyKey, prevOwner, string(settlement.StateSubmitted))
	if err != nil {
		return false, fmt.Errorf("failed to take over settlement: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Save writes the mutable fields of rec.
func (s *Store) Save(ctx context.Context, rec settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET
			state = ?, external_id = ?, status = ?, error_code = ?, error_message = ?,
			attempts = ?, estimated_completion = ?, updated_at = ?
		WHERE idempotency_key = ?
	`, string(rec.State), nullString(rec.ExternalID), string(rec.Status),
		nullString(rec.ErrorCode), nullString(rec.ErrorMessage), rec.Attempts,
		nullTime(rec.EstimatedCompletion), formatTime(rec.UpdatedAt), rec.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

// GetSettlement returns the latest record for a tenant's transfer.
func (s *Store) GetSettlement(ctx context.Context, tenant, transferID string) (*settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanSettlement(s.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE tenant_id = ? AND transfer_id = ?
		ORDER BY claimed_at DESC LIMIT 1
	`, tenant, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return rec, nil
}

// ListOpenSettlements returns submitted records still pending on the rail.
func (s *Store) ListOpenSettlements(ctx context.Context, limit int) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE state = ? AND status IN (?, ?)
		ORDER BY claimed_at, idempotency_key
		LIMIT ?
	`, string(settlement.StateSubmitted), string(rail.StatusPending), string(rail.StatusProcessing), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list open settlements: %w", err)
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func settlementArgs(rec settlement.Record) []any {
	return []any{
		rec.IdempotencyKey, rec.TenantID, rec.TransferID, string(rec.Rail),
		rec.Amount.String(), rec.Currency,
		nullString(rec.DestinationCurrency), nullString(rec.DestinationAccount), nullString(rec.DestinationCountry),
		string(rec.State), rec.Owner, nullString(rec.ExternalID), string(rec.Status),
		nullString(rec.ErrorCode), nullString(rec.ErrorMessage), rec.Attempts,
		nullTime(rec.EstimatedCompletion), formatTime(rec.ClaimedAt), formatTime(rec.UpdatedAt),
		nullString(rec.RequestKey),
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row scanner) (*settlement.Record, error) {
	var rec settlement.Record
	var railID, amount, state, status, claimedAt, updatedAt string
	var destCurrency, destAccount, destCountry, externalID, errCode, errMsg, eta, requestKey sql.NullString

	err := row.Scan(
		&rec.IdempotencyKey, &rec.TenantID, &rec.TransferID, &railID, &amount, &rec.Currency,
		&destCurrency, &destAccount, &destCountry,
		&state, &rec.Owner, &externalID, &status, &errCode, &errMsg, &rec.Attempts,
		&eta, &claimedAt, &updatedAt, &requestKey,
	)
	if err != nil {
		return nil, err
	}

	rec.Rail = rail.ID(railID)
	rec.Amount = parseDecimal(amount)
	rec.DestinationCurrency = destCurrency.String
	rec.DestinationAccount = destAccount.String
	rec.DestinationCountry = destCountry.String
	rec.State = settlement.State(state)
	rec.ExternalID = externalID.String
	rec.Status = rail.Status(status)
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMsg.String
	rec.EstimatedCompletion = timePtr(eta)
	rec.ClaimedAt = parseTime(claimedAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.RequestKey = requestKey.String
	return &rec, nil
}

var _ settlement.Store = (*Store)(nil)
