// Package memory provides in-memory settlement and ledger stores for tests
// and single-process development.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - settlement.Store and ledger.Ledger
// =============================================================================

type transferKey struct {
	tenant     string
	transferID string
}

// Memory keeps settlement records and ledger transfers in maps.
type Memory struct {
	mu          sync.RWMutex
	settlements map[string]*settlement.Record // by idempotency key
	latest      map[transferKey]string        // transfer → latest idempotency key
	requests    map[transferKey]string        // (tenant, request key) → idempotency key
	transfers   map[transferKey]ledger.Transfer
}

// New creates an empty store.
func New() *Memory {
	return &Memory{
		settlements: make(map[string]*settlement.Record),
		latest:      make(map[transferKey]string),
		requests:    make(map[transferKey]string),
		transfers:   make(map[transferKey]ledger.Transfer),
	}
}

// Claim inserts rec unless its idempotency key, its transfer or its
// tenant's request key is taken.
func (m *Memory) Claim(_ context.Context, rec settlement.Record) (*settlement.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.settlements[rec.IdempotencyKey]; ok {
		out := *existing
		return &out, false, nil
	}
	if key, ok := m.latest[transferKey{rec.TenantID, rec.TransferID}]; ok {
		out := *m.settlements[key]
		return &out, false, nil
	}
	reqKey := transferKey{rec.TenantID, rec.RequestKey}
	if rec.RequestKey != "" {
		if key, ok := m.requests[reqKey]; ok {
			out := *m.settlements[key]
			return &out, false, nil
		}
		m.requests[reqKey] = rec.IdempotencyKey
	}
	stored := rec
	m.settlements[rec.IdempotencyKey] = &stored
	m.latest[transferKey{rec.TenantID, rec.TransferID}] = rec.IdempotencyKey
	return nil, true, nil
}

// TakeOver swaps the owner if it is still prevOwner.
func (m *Memory) TakeOver(_ context.Context, prevOwner string, rec settlement.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.settlements[rec.IdempotencyKey]
	if !ok || existing.Owner != prevOwner || existing.State == settlement.StateSubmitted {
		return false, nil
	}
	stored := rec
	m.settlements[rec.IdempotencyKey] = &stored
	return true, nil
}

// Save overwrites the record for rec's idempotency key.
func (m *Memory) Save(_ context.Context, rec settlement.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[rec.IdempotencyKey]; !ok {
		return settlement.ErrNotFound
	}
	stored := rec
	m.settlements[rec.IdempotencyKey] = &stored
	return nil
}

// GetSettlement returns the latest record for a transfer.
func (m *Memory) GetSettlement(_ context.Context, tenant, transferID string) (*settlement.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.latest[transferKey{tenant, transferID}]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	out := *m.settlements[key]
	return &out, nil
}

// ListOpenSettlements returns submitted, non-terminal records oldest first.
func (m *Memory) ListOpenSettlements(_ context.Context, limit int) ([]settlement.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.Record
	for _, r := range m.settlements {
		if r.State == settlement.StateSubmitted && !r.Status.IsTerminal() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimedAt.Equal(out[j].ClaimedAt) {
			return out[i].ClaimedAt.Before(out[j].ClaimedAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of settlement records.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.settlements)
}

// =============================================================================
// LEDGER
// =============================================================================

// RecordSettlement upserts a transfer. CreatedAt is kept from the first
// write that carried an external id.
func (m *Memory) RecordSettlement(_ context.Context, t ledger.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := transferKey{t.TenantID, t.TransferID}
	if prev, ok := m.transfers[k]; ok {
		if prev.ExternalID != "" || t.ExternalID == "" {
			t.CreatedAt = prev.CreatedAt
		}
		if t.ExternalID == "" {
			t.ExternalID = prev.ExternalID
		}
		if t.CompletedAt == nil {
			t.CompletedAt = prev.CompletedAt
		}
	}
	m.transfers[k] = t
	return nil
}

// ListTransfers pages transfers by CreatedAt in [From, To).
func (m *Memory) ListTransfers(_ context.Context, q ledger.Query) (*ledger.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Transfer
	for _, t := range m.transfers {
		if t.TenantID != q.TenantID || t.Rail != q.Rail {
			continue
		}
		if t.CreatedAt.Before(q.From) || !t.CreatedAt.Before(q.To) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].TransferID < matched[j].TransferID
	})

	offset := 0
	if q.Cursor != "" {
		o, err := strconv.Atoi(q.Cursor)
		if err != nil || o < 0 {
			return nil, &rail.ValidationError{Fields: []rail.FieldError{{Field: "cursor", Message: "is invalid"}}}
		}
		offset = min(o, len(matched))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}
	end := min(offset+limit, len(matched))

	page := &ledger.Page{Transfers: matched[offset:end]}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Transfer returns one ledger transfer.
func (m *Memory) Transfer(tenant, transferID string) (ledger.Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[transferKey{tenant, transferID}]
	return t, ok
}

var (
	_ settlement.Store = (*Memory)(nil)
	_ ledger.Ledger    = (*Memory)(nil)
)
