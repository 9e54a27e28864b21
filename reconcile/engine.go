/*
Package reconcile compares the internal ledger against a rail's own history.

PURPOSE:
  Rails offer no reliable push guarantee, so polling reconciliation is the
  correctness backstop for everything the executor could not know: orphaned
  submissions, silent reversals, dropped events, rail-side duplicates.

STATE MACHINE (per run):
  running → completed     normal end, report + discrepancies written together
  running → failed        engine failure: rail unreachable, ledger error,
                          cancelled context. Error recorded, no discrepancies.

ALGORITHM:
  1. Create the running report.
  2. Page the ledger for (tenant, rail, window) into a match index.
  3. Stream rail pages for the window; match by external id, fall back to
     transfer id when the rail inlines it.
  4. Emit missing_in_ledger, missing_in_rail, amount_mismatch,
     status_mismatch, timing_discrepancy and duplicate.
  5. Total, then persist report + discrepancies atomically.
  6. Apply the tenant's auto-resolve policy, if enabled.

IDEMPOTENCY:
  Re-running a window is always safe. Discrepancies carry a fingerprint; an
  open one with the same fingerprint is linked to the new report rather
  than inserted again. A failed run simply gets re-run.

RESUME:
  Cancellation marks the run failed and records the last rail cursor seen.
  Resuming means running the window again; fingerprints make that free of
  duplicates.

SEE ALSO:
  - matcher.go: The comparison itself
  - sweeper.go: Bounded-concurrency runs across tenants and rails
  - discrepancy/severity.go: Severity rules
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
	"github.com/warp/settlement-engine/settlement"
)

// Config tunes the engine.
type Config struct {
	PageSize int
	Retry    settlement.Config // backoff for transient rail page errors

	AutoResolve       discrepancy.AutoPolicy
	TenantAutoResolve map[string]discrepancy.AutoPolicy
}

// DefaultConfig returns the engine defaults. Auto-resolve is off.
func DefaultConfig() Config {
	return Config{PageSize: 200, Retry: settlement.DefaultConfig()}
}

func (c Config) policyFor(tenant string) discrepancy.AutoPolicy {
	if p, ok := c.TenantAutoResolve[tenant]; ok {
		return p
	}
	return c.AutoResolve
}

// Engine runs reconciliation passes.
type Engine struct {
	registry   *rail.RegistryHolder
	ledger     ledger.Source
	store      Store
	classifier *discrepancy.Classifier
	resolver   *discrepancy.Resolver
	lock       RunLock
	events     events.Publisher
	logger     *slog.Logger
	cfg        Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps are the engine's collaborators. Resolver, Lock and Events are
// optional.
type Deps struct {
	Registry   *rail.RegistryHolder
	Ledger     ledger.Source
	Store      Store
	Classifier *discrepancy.Classifier
	Resolver   *discrepancy.Resolver
	Lock       RunLock
	Events     events.Publisher
	Logger     *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Lock == nil {
		deps.Lock = NewLocalLock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Classifier == nil {
		deps.Classifier = discrepancy.NewClassifier(discrepancy.DefaultThresholds(), nil)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = settlement.DefaultConfig()
	}
	return &Engine{
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		store:      deps.Store,
		classifier: deps.Classifier,
		resolver:   deps.Resolver,
		lock:       deps.Lock,
		events:     deps.Events,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// SetClock overrides the clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetSleep overrides the retry sleep. Tests only.
func (e *Engine) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { e.sleep = sleep }

// Run reconciles one (tenant, rail, window). On engine failure it returns
// the failed report together with a *FailedError.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, err := e.registry.Load().Get(req.Rail)
	if err != nil {
		return nil, err
	}

	release, err := e.lock.Acquire(ctx, req.lockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	report := Report{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Rail:        req.Rail,
		PeriodStart: req.PeriodStart.UTC(),
		PeriodEnd:   req.PeriodEnd.UTC(),
		Status:      StatusRunning,
		StartedAt:   e.now(),
	}
	if err := e.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	e.logger.Info("[Reconcile] run started",
		"report_id", report.ID, "tenant", req.TenantID, "rail", req.Rail,
		"from", report.PeriodStart, "to", report.PeriodEnd)

	m := newMatcher(req.TenantID, req.Rail, report.ID, e.classifier.For(req.TenantID), report.StartedAt)
	if err := e.collect(ctx, adapter, req, m, &report); err != nil {
		return e.fail(ctx, report, err)
	}
	m.finish()
	m.summarize(&report)

	completed := e.now()
	report.Status = StatusCompleted
	report.CompletedAt = &completed
	report.Duration = completed.Sub(report.StartedAt)

	stored, err := e.store.CompleteRun(ctx, report, m.found)
	if err != nil {
		return e.fail(ctx, report, fmt.Errorf("failed to persist run: %w", err))
	}

	e.logger.Info("[Reconcile] run completed",
		"report_id", report.ID, "rail_transactions", report.TotalTransactions,
		"matched", report.MatchedTransactions, "discrepancies", report.DiscrepancyCount,
		"redelivered", m.redelivered, "duration", report.Duration)
	events.Emit(ctx, e.events, e.logger, events.New(events.TypeReconciliationCompleted, req.TenantID, report))
	for _, d := range stored {
		if d.ReportID == report.ID {
			events.Emit(ctx, e.events, e.logger, events.New(events.TypeDiscrepancyDetected, req.TenantID, d))
		}
	}

	stored = e.autoResolve(ctx, req.TenantID, stored)
	return &Result{Report: report, Discrepancies: stored}, nil
}

// collect pages the ledger into the index and streams the rail through it.
func (e *Engine) collect(ctx context.Context, a rail.Adapter, req RunRequest, m *matcher, report *Report) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.ledger.ListTransfers(ctx, ledger.Query{
			TenantID: req.TenantID,
			Rail:     req.Rail,
			From:     req.PeriodStart,
			To:       req.PeriodEnd,
			Cursor:   cursor,
			Limit:    e.cfg.PageSize,
		})
		if err != nil {
			return fmt.Errorf("failed to page ledger: %w", err)
		}
		m.index(page.Transfers)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	q := rail.TransactionQuery{From: req.PeriodStart, To: req.PeriodEnd, PageSize: e.cfg.PageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.railPage(ctx, a, q)
		if err != nil {
			return fmt.Errorf("failed to page %s history: %w", a.ID(), err)
		}
		for _, tx := range page.Transactions {
			m.observe(tx)
		}
		report.LastCursor = q.Cursor
		if !page.HasMore {
			return nil
		}
		q.Cursor = page.NextCursor
	}
}

// railPage fetches one page, retrying transient errors with backoff.
func (e *Engine) railPage(ctx context.Context, a rail.Adapter, q rail.TransactionQuery) (*rail.TransactionPage, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.cfg.Retry.Backoff(attempt-1, 0.5)); err != nil {
				return nil, err
			}
		}
		actx, cancel := context.WithTimeout(ctx, e.cfg.Retry.AttemptTimeout)
		page, err := a.GetTransactions(actx, q)
		cancel()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !rail.IsTransient(err) || ctx.Err() != nil {
			break
		}
		e.logger.Warn("[Reconcile] transient rail error, retrying page",
			"rail", a.ID(), "cursor", q.Cursor, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (e *Engine) fail(ctx context.Context, report Report, cause error) (*Result, error) {
	completed := e.now()
	report.Status = StatusFailed
	report.Error = cause.Error()
	report.CompletedAt = &completed
	report.Duration = completed.Sub(report.StartedAt)
	report.TotalTransactions, report.MatchedTransactions, report.DiscrepancyCount = 0, 0, 0
	report.Totals, report.ByType, report.BySeverity = nil, nil, nil

	ctx = context.WithoutCancel(ctx)
	if err := e.store.FailRun(ctx, report); err != nil {
		e.logger.Error("[Reconcile] failed to record failed run", "report_id", report.ID, "error", err)
	}
	e.logger.Warn("[Reconcile] run failed", "report_id", report.ID, "rail", report.Rail, "error", cause)
	events.Emit(ctx, e.events, e.logger, events.New(events.TypeReconciliationFailed, report.TenantID, report))
	return &Result{Report: report}, &FailedError{ReportID: report.ID, Err: cause}
}

// autoResolve applies the tenant policy and swaps resolved records in.
func (e *Engine) autoResolve(ctx context.Context, tenant string, ds []discrepancy.Discrepancy) []discrepancy.Discrepancy {
	policy := e.cfg.policyFor(tenant)
	if e.resolver == nil || !policy.Enabled || len(ds) == 0 {
		return ds
	}
	closed, err := e.resolver.AutoResolve(ctx, policy, ds)
	if err != nil {
		e.logger.Warn("[Reconcile] auto-resolve failed", "tenant", tenant, "error", err)
	}
	byID := make(map[string]discrepancy.Discrepancy, len(closed))
	for _, d := range closed {
		byID[d.ID] = d
	}
	for i, d := range ds {
		if r, ok := byID[d.ID]; ok {
			ds[i] = r
		}
	}
	return ds
}

// Reports lists reports.
func (e *Engine) Reports(ctx context.Context, f ReportFilter) ([]Report, error) {
	return e.store.ListReports(ctx, f)
}

// Report returns one report with its linked discrepancies.
func (e *Engine) Report(ctx context.Context, tenant, id string) (*Result, error) {
	r, err := e.store.GetReport(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	ds, err := e.store.ListDiscrepancies(ctx, discrepancy.Filter{TenantID: tenant, ReportID: id})
	if err != nil {
		return nil, err
	}
	return &Result{Report: *r, Discrepancies: ds}, nil
}

// Discrepancies lists discrepancies.
func (e *Engine) Discrepancies(ctx context.Context, f discrepancy.Filter) ([]discrepancy.Discrepancy, error) {
	return e.store.ListDiscrepancies(ctx, f)
}
