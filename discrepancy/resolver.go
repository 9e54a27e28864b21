/*
resolver.go - Closing discrepancies

SEMANTICS:
  Resolve is a one-way compare-and-set on the resolution columns, written in
  the same storage transaction as its audit entry.

  - unknown id (or another tenant's id)       → ErrNotFound
  - open                                      → resolved, audited, event published
  - already resolved with the SAME text       → existing record returned, no write
  - already resolved with DIFFERENT text      → *AlreadyResolvedError

  Two racing resolvers: the store's CAS lets exactly one win. The loser
  re-reads and falls into one of the two "already resolved" cases above.
*/
package discrepancy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/rail"
)

// Store is the persistence the resolver needs.
type Store interface {
	GetDiscrepancy(ctx context.Context, tenant, id string) (*Discrepancy, error)

	// ResolveDiscrepancy sets the resolution only if none is set and writes
	// audit in the same transaction. It returns false when another writer
	// resolved it first.
	ResolveDiscrepancy(ctx context.Context, tenant, id string, res Resolution, audit AuditEntry) (bool, error)
}

// ResolveRequest is the input of Resolve.
type ResolveRequest struct {
	TenantID   string
	ID         string
	Resolution string
	ResolvedBy string
	Notes      string
}

func (r ResolveRequest) validate() error {
	var fields []rail.FieldError
	if r.ID == "" {
		fields = append(fields, rail.FieldError{Field: "id", Message: "is required"})
	}
	if strings.TrimSpace(r.Resolution) == "" {
		fields = append(fields, rail.FieldError{Field: "resolution", Message: "is required"})
	}
	if strings.TrimSpace(r.ResolvedBy) == "" {
		fields = append(fields, rail.FieldError{Field: "resolvedBy", Message: "is required"})
	}
	if len(fields) > 0 {
		return &rail.ValidationError{Fields: fields}
	}
	return nil
}

// Resolver closes discrepancies.
type Resolver struct {
	store  Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. pub may be nil.
func NewResolver(store Store, pub events.Publisher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		events: pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve closes one discrepancy. See the file comment for semantics.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Discrepancy, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	d, err := r.store.GetDiscrepancy(ctx, req.TenantID, req.ID)
	if err != nil {
		return nil, err
	}
	if d.IsResolved() {
		return alreadyResolved(d, req.Resolution)
	}

	res := Resolution{
		ResolvedBy: req.ResolvedBy,
		ResolvedAt: r.now(),
		Resolution: req.Resolution,
		Notes:      req.Notes,
	}
	audit := AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		Actor:      req.ResolvedBy,
		Action:     "discrepancy.resolve",
		EntityType: "discrepancy",
		EntityID:   req.ID,
		Detail:     req.Resolution,
		At:         res.ResolvedAt,
	}

	won, err := r.store.ResolveDiscrepancy(ctx, req.TenantID, req.ID, res, audit)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discrepancy: %w", err)
	}

	d, err = r.store.GetDiscrepancy(ctx, req.TenantID, req.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return alreadyResolved(d, req.Resolution)
	}

	events.Emit(ctx, r.events, r.logger, events.New(events.TypeDiscrepancyResolved, d.TenantID, d))
	return d, nil
}

func alreadyResolved(d *Discrepancy, text string) (*Discrepancy, error) {
	if d.Resolution.Resolution == text {
		return d, nil
	}
	return nil, &AlreadyResolvedError{ID: d.ID, Existing: *d.Resolution}
}
