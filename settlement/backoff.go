package settlement

import (
	"context"
	"time"
)

// Config bounds retries and claims.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	ClaimLease     time.Duration // in-flight claims older than this may be taken over
	BatchWorkers   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 10 * time.Second,
		ClaimLease:     2 * time.Minute,
		BatchWorkers:   8,
	}
}

// Backoff returns the wait before retry number attempt (1-based): the
// exponential delay capped at MaxBackoff, with jitter in its upper half.
func (c Config) Backoff(attempt int, jitter float64) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	half := d / 2
	return half + time.Duration(float64(half)*jitter)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
