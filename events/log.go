package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes one structured log record per event.
type LogPublisher struct {
	Logger *slog.Logger
}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{Logger: logger}
}

// Publish logs e at info level.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.Logger.InfoContext(ctx, "[Events] "+e.Type,
		"event_id", e.ID.String(),
		"tenant", e.TenantID,
		"data", e.Data,
	)
	return nil
}

// Emit publishes e and logs, never returns, a publish failure. Producers
// call this so a broker outage cannot fail a settlement or a run.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("[Events] publish failed", "type", e.Type, "error", err)
	}
}
