/*
scheduler.go - Background reconciliation and status polling

PURPOSE:
  Periodically reconciles every configured tenant × rail over a trailing
  window, and polls the rails for settlements that have not reached a
  terminal status.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs immediately on start, then on every tick
  - The window end is truncated to the interval, so two triggers inside
    one interval reconcile the same window and share its run lock
  - Re-running a window is safe: open discrepancies are deduplicated by
    fingerprint
  - One failed job is logged and does not stop the others

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Lookback:      Window length (default: 24 hours)
  - Tenants:       Tenants to reconcile
  - RefreshLimit:  Open settlements polled per tick (default: 500)
  - Enabled:       Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(sweeper, executor, registry, tenants)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation (manual run)
  - reconcile/sweeper.go: Bounded worker pool
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/settlement"
)

// ReconciliationScheduler handles scheduled reconciliation sweeps.
type ReconciliationScheduler struct {
	Sweeper       *reconcile.Sweeper
	Executor      *settlement.Executor
	Registry      *rail.RegistryHolder
	Tenants       []string
	CheckInterval time.Duration
	Lookback      time.Duration
	RefreshLimit  int
	Enabled       bool
	Logger        *slog.Logger

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(sweeper *reconcile.Sweeper, exec *settlement.Executor, registry *rail.RegistryHolder, tenants []string) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Sweeper:       sweeper,
		Executor:      exec,
		Registry:      registry,
		Tenants:       tenants,
		CheckInterval: 1 * time.Hour,
		Lookback:      24 * time.Hour,
		RefreshLimit:  500,
		Enabled:       true,
		Logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("[Scheduler] Disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Logger.Info("[Scheduler] Started", "interval", rs.CheckInterval, "lookback", rs.Lookback)
}

// Stop stops the scheduler and cancels a tick in progress.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.cancel()
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("[Scheduler] Stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow polls open settlements, then sweeps the current window. It returns
// the sweep results.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) []reconcile.JobResult {
	if rs.Executor != nil {
		changed, err := rs.Executor.RefreshPending(ctx, rs.RefreshLimit)
		if err != nil {
			rs.Logger.Warn("[Scheduler] Some settlements could not be refreshed", "error", err)
		}
		if changed > 0 {
			rs.Logger.Info("[Scheduler] Settlement statuses updated", "changed", changed)
		}
	}

	start, end := rs.Window()
	jobs := reconcile.Jobs(rs.Tenants, rs.Registry.Load().IDs(), start, end)
	if len(jobs) == 0 {
		return nil
	}
	rs.Logger.Info("[Scheduler] Reconciling", "jobs", len(jobs), "from", start, "to", end)

	results := rs.Sweeper.Sweep(ctx, jobs)

	var found, failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		found += r.Result.Report.DiscrepancyCount
	}
	rs.Logger.Info("[Scheduler] Completed", "jobs", len(jobs), "failed", failed, "discrepancies", found)
	return results
}

// Window returns the window the next sweep covers.
func (rs *ReconciliationScheduler) Window() (time.Time, time.Time) {
	end := rs.now().Truncate(rs.CheckInterval)
	return end.Add(-rs.Lookback), end
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return rs.now().Add(rs.CheckInterval)
}
