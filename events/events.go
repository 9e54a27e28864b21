/*
Package events publishes settlement and reconciliation lifecycle events.

PURPOSE:
  Downstream consumers (dashboards, alerting, the webhook service) learn
  about settlements and discrepancies from events rather than polling this
  service. Delivery is best-effort: a failed publish is logged and never
  fails the operation that produced the event. Reconciliation remains the
  correctness backstop.

SUBJECTS:
  <prefix>.<event type>, e.g. settlement.reconciliation.completed

IMPLEMENTATIONS:
  - NATSPublisher: core NATS publish of the JSON-encoded event
  - LogPublisher:  slog record per event, used when NATS is not configured
  - Recorder:      in-memory capture for tests
*/
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeSettlementSubmitted     = "settlement.submitted"
	TypeSettlementFailed        = "settlement.failed"
	TypeSettlementStatusChanged = "settlement.status_changed"

	TypeReconciliationCompleted = "reconciliation.completed"
	TypeReconciliationFailed    = "reconciliation.failed"

	TypeDiscrepancyDetected = "discrepancy.detected"
	TypeDiscrepancyResolved = "discrepancy.resolved"
)

// Event is the envelope every publisher sends.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New builds an event with a fresh id.
func New(typ, tenant string, data any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       typ,
		TenantID:   tenant,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
