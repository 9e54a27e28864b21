package discrepancy

import (
	"context"
	"fmt"
)

// AutoResolver is the resolver identity recorded for policy resolutions.
const AutoResolver = "system:auto-resolve"

// AutoPolicy is the tenant-configured rule for closing discrepancies
// without an operator. Only duplicates at medium severity or below are
// eligible; critical is never auto-resolved.
type AutoPolicy struct {
	Enabled     bool
	Types       []Type
	MaxSeverity Severity
}

// Validate rejects policies broader than duplicates at medium or below.
func (p AutoPolicy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if len(p.Types) == 0 {
		return fmt.Errorf("%w: no types", ErrInvalidPolicy)
	}
	for _, t := range p.Types {
		if t != TypeDuplicate {
			return fmt.Errorf("%w: type %s cannot be auto-resolved", ErrInvalidPolicy, t)
		}
	}
	switch p.MaxSeverity {
	case SeverityLow, SeverityMedium:
	default:
		return fmt.Errorf("%w: max severity %q above medium", ErrInvalidPolicy, p.MaxSeverity)
	}
	return nil
}

// Allows reports whether d may be closed by this policy.
func (p AutoPolicy) Allows(d Discrepancy) bool {
	if !p.Enabled || d.IsResolved() || d.Severity == SeverityCritical {
		return false
	}
	if d.Severity.Rank() < 0 || d.Severity.Rank() > p.MaxSeverity.Rank() {
		return false
	}
	for _, t := range p.Types {
		if t == d.Type {
			return true
		}
	}
	return false
}

// AutoResolve applies policy to ds and returns the discrepancies it closed.
// An invalid policy resolves nothing.
func (r *Resolver) AutoResolve(ctx context.Context, policy AutoPolicy, ds []Discrepancy) ([]Discrepancy, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	var closed []Discrepancy
	for _, d := range ds {
		if !policy.Allows(d) {
			continue
		}
		resolved, err := r.Resolve(ctx, ResolveRequest{
			TenantID:   d.TenantID,
			ID:         d.ID,
			Resolution: "auto-resolved: " + string(d.Type) + " within policy",
			ResolvedBy: AutoResolver,
			Notes:      "severity " + string(d.Severity),
		})
		if err != nil {
			if IsConflict(err) {
				continue
			}
			return closed, err
		}
		closed = append(closed, *resolved)
	}
	if len(closed) > 0 {
		r.logger.Info("[Resolver] auto-resolved discrepancies", "count", len(closed))
	}
	return closed, nil
}
