package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
)

// MaxBatchSize bounds ExecuteBatch.
const MaxBatchSize = 100

// Executor submits settlements through rail adapters.
type Executor struct {
	registry *rail.RegistryHolder
	store    Store
	ledger   ledger.Recorder
	events   events.Publisher
	logger   *slog.Logger
	cfg      Config

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig overrides retry and claim settings.
func WithConfig(cfg Config) Option { return func(e *Executor) { e.cfg = cfg } }

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option { return func(e *Executor) { e.events = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// WithSleep overrides the backoff sleep. Tests use a no-op.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor creates an executor. rec may be nil when no ledger is wired.
func NewExecutor(registry *rail.RegistryHolder, store Store, rec ledger.Recorder, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		store:    store,
		ledger:   rec,
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxAttempts < 1 {
		e.cfg.MaxAttempts = 1
	}
	if e.cfg.BatchWorkers < 1 {
		e.cfg.BatchWorkers = 1
	}
	return e
}

// =============================================================================
// EXECUTE
// =============================================================================

// Execute submits req to the rail once per tenant transfer. A caller
// idempotency key is scoped to the tenant and may name only one transfer.
// See types.go for the claim protocol.
func (e *Executor) Execute(ctx context.Context, railID rail.ID, req rail.SettlementRequest) (*Result, error) {
	req = normalize(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, err := e.registry.Load().Get(railID)
	if err != nil {
		return nil, err
	}
	if !adapter.Capabilities().SupportsCurrency(req.Currency) {
		return nil, &rail.ValidationError{Fields: []rail.FieldError{
			{Field: "currency", Message: req.Currency + " is not supported by " + railID.String()},
		}}
	}
	requestKey := req.IdempotencyKey
	req.IdempotencyKey = DeriveKey(req.TenantID, req.TransferID)

	now := e.now()
	rec := Record{
		IdempotencyKey:      req.IdempotencyKey,
		RequestKey:          requestKey,
		TenantID:            req.TenantID,
		TransferID:          req.TransferID,
		Rail:                railID,
		Amount:              req.Amount,
		Currency:            req.Currency,
		DestinationCurrency: req.DestinationCurrency,
		DestinationAccount:  req.DestinationAccount,
		DestinationCountry:  req.DestinationCountry,
		State:               StateInFlight,
		Owner:               uuid.NewString(),
		Status:              rail.StatusPending,
		ClaimedAt:           now,
		UpdatedAt:           now,
	}

	existing, claimed, err := e.store.Claim(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement: %w", err)
	}
	if !claimed {
		if existing.TenantID != rec.TenantID || existing.TransferID != rec.TransferID {
			return nil, &KeyReusedError{Key: requestKey, TransferID: existing.TransferID}
		}
		switch {
		case existing.State == StateSubmitted:
			e.logger.Info("[Executor] duplicate submission collapsed",
				"key", existing.IdempotencyKey, "rail", existing.Rail, "external_id", existing.ExternalID)
			return &Result{Record: *existing, Duplicate: true}, nil
		case existing.State == StateInFlight && now.Sub(existing.ClaimedAt) < e.cfg.ClaimLease:
			return nil, &InFlightError{Key: existing.IdempotencyKey, ClaimedAt: existing.ClaimedAt}
		}

		rec.Attempts = existing.Attempts
		rec.RequestKey = existing.RequestKey
		won, err := e.store.TakeOver(ctx, existing.Owner, rec)
		if err != nil {
			return nil, fmt.Errorf("failed to take over settlement claim: %w", err)
		}
		if !won {
			return nil, &InFlightError{Key: rec.IdempotencyKey, ClaimedAt: now}
		}
		e.logger.Info("[Executor] took over settlement claim",
			"key", rec.IdempotencyKey, "previous_state", existing.State, "previous_rail", existing.Rail)

		adopted, err := e.adopt(ctx, existing.Rail, &rec)
		if err != nil {
			return nil, err
		}
		if adopted {
			return &Result{Record: rec, Duplicate: true}, nil
		}
	}

	return e.submit(ctx, adapter, req, rec)
}

// adopt looks for a rail-side settlement left by a previous owner and, if
// one exists, records it as ours.
func (e *Executor) adopt(ctx context.Context, railID rail.ID, rec *Record) (bool, error) {
	adapter, err := e.registry.Load().Get(railID)
	if err != nil {
		return false, nil
	}
	tx, err := e.lookup(ctx, adapter, rec.TransferID)
	if err != nil {
		if errors.Is(err, rail.ErrTransactionNotFound) {
			return false, nil
		}
		// Could not prove the rail has nothing; resubmitting might duplicate.
		rec.State = StateFailed
		rec.ErrorCode = rail.Code(err)
		rec.ErrorMessage = "could not verify prior submission: " + err.Error()
		rec.UpdatedAt = e.now()
		if err := e.store.Save(context.WithoutCancel(ctx), *rec); err != nil {
			e.logger.Error("[Executor] failed to persist unverifiable takeover", "key", rec.IdempotencyKey, "error", err)
		}
		return false, fmt.Errorf("failed to check rail for prior submission: %w", err)
	}
	if tx == nil {
		return false, nil
	}

	e.logger.Info("[Executor] adopted rail-side settlement",
		"key", rec.IdempotencyKey, "rail", railID, "external_id", tx.ExternalID)
	rec.Rail = railID
	rec.State = StateSubmitted
	rec.ExternalID = tx.ExternalID
	rec.Status = tx.Status
	rec.ErrorCode, rec.ErrorMessage = "", ""
	if err := e.persist(ctx, rec, tx.SubmittedAt, tx.CompletedAt); err != nil {
		return false, err
	}
	return true, nil
}

// lookup asks the rail for a live settlement of transferID. Failed or
// expired settlements do not count.
func (e *Executor) lookup(ctx context.Context, a rail.Adapter, transferID string) (*rail.Transaction, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	tx, err := a.GetTransaction(actx, rail.ByTransferID(transferID))
	if err != nil {
		return nil, err
	}
	if tx.Status == rail.StatusFailed || tx.Status == rail.StatusExpired {
		return nil, nil
	}
	return tx, nil
}

// submit runs the bounded retry loop. Transient errors back off and retry;
// validation and fatal errors stop immediately.
func (e *Executor) submit(ctx context.Context, a rail.Adapter, req rail.SettlementRequest, rec Record) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.cfg.Backoff(attempt-1, e.jitter())); err != nil {
				lastErr = err
				break
			}
			// A timed-out attempt may still have landed.
			tx, err := e.lookup(ctx, a, req.TransferID)
			if err != nil && !errors.Is(err, rail.ErrTransactionNotFound) {
				rec.Attempts++
				lastErr = err
				if !rail.IsTransient(err) || ctx.Err() != nil {
					break
				}
				continue
			}
			if tx != nil {
				rec.State = StateSubmitted
				rec.ExternalID = tx.ExternalID
				rec.Status = tx.Status
				if err := e.persist(ctx, &rec, tx.SubmittedAt, tx.CompletedAt); err != nil {
					return nil, err
				}
				e.publishSubmitted(ctx, rec)
				return &Result{Record: rec}, nil
			}
		}

		rec.Attempts++
		submittedAt := e.now()
		actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		resp, err := a.SubmitSettlement(actx, req)
		cancel()
		if err == nil && !resp.Success {
			err = rail.NewFatal(a.ID(), resp.ErrorCode, resp.ErrorMessage)
		}
		if err == nil {
			rec.State = StateSubmitted
			rec.ExternalID = resp.ExternalID
			rec.Status = resp.Status
			rec.EstimatedCompletion = resp.EstimatedCompletion
			rec.ErrorCode, rec.ErrorMessage = "", ""
			if resp.SubmittedAt != nil {
				submittedAt = *resp.SubmittedAt
			}
			var completedAt *time.Time
			if resp.Status == rail.StatusCompleted {
				t := e.now()
				completedAt = &t
			}
			if err := e.persist(ctx, &rec, submittedAt, completedAt); err != nil {
				return nil, err
			}
			e.publishSubmitted(ctx, rec)
			return &Result{Record: rec}, nil
		}

		lastErr = err
		if !rail.IsTransient(err) || ctx.Err() != nil {
			break
		}
		e.logger.Warn("[Executor] transient rail error, retrying",
			"rail", a.ID(), "transfer_id", req.TransferID, "attempt", attempt, "error", err)
	}
	return nil, e.fail(ctx, rec, lastErr)
}

// persist saves the record, then mirrors it on the ledger. It survives
// cancellation of ctx: once the rail accepted, the reference must be kept.
// createdAt should be the rail's submission time when the rail reports one;
// reconciliation windows both sides on it.
func (e *Executor) persist(ctx context.Context, rec *Record, createdAt time.Time, completedAt *time.Time) error {
	ctx = context.WithoutCancel(ctx)
	rec.UpdatedAt = e.now()
	if err := e.store.Save(ctx, *rec); err != nil {
		return fmt.Errorf("failed to persist settlement: %w", err)
	}
	e.recordLedger(ctx, *rec, createdAt, completedAt)
	return nil
}

func (e *Executor) recordLedger(ctx context.Context, rec Record, createdAt time.Time, completedAt *time.Time) {
	if e.ledger == nil {
		return
	}
	err := e.ledger.RecordSettlement(ctx, ledger.Transfer{
		TenantID:    rec.TenantID,
		TransferID:  rec.TransferID,
		Rail:        rec.Rail,
		ExternalID:  rec.ExternalID,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		Status:      rec.Status,
		CreatedAt:   createdAt,
		CompletedAt: completedAt,
	})
	if err != nil {
		// Reconciliation reports the gap as missing_in_ledger.
		e.logger.Error("[Executor] failed to record settlement on ledger",
			"transfer_id", rec.TransferID, "external_id", rec.ExternalID, "error", err)
	}
}

// fail records a terminal submission failure. Rejections mark the ledger
// transfer failed; exhausted retries leave it pending for reconciliation.
func (e *Executor) fail(ctx context.Context, rec Record, cause error) error {
	if cause == nil {
		cause = errors.New("no attempt made")
	}
	ctx = context.WithoutCancel(ctx)
	rec.State = StateFailed
	rec.ErrorCode = rail.Code(cause)
	rec.ErrorMessage = cause.Error()
	rec.UpdatedAt = e.now()
	if rail.IsFatal(cause) || rail.IsValidation(cause) {
		rec.Status = rail.StatusFailed
	}
	if err := e.store.Save(ctx, rec); err != nil {
		e.logger.Error("[Executor] failed to persist settlement failure", "key", rec.IdempotencyKey, "error", err)
	}
	e.recordLedger(ctx, rec, rec.ClaimedAt, nil)

	e.logger.Warn("[Executor] settlement failed",
		"rail", rec.Rail, "transfer_id", rec.TransferID, "attempts", rec.Attempts, "error", cause)
	events.Emit(ctx, e.events, e.logger, events.New(events.TypeSettlementFailed, rec.TenantID, rec))
	return &SubmissionError{Rail: rec.Rail, Attempts: rec.Attempts, Err: cause}
}

func (e *Executor) publishSubmitted(ctx context.Context, rec Record) {
	e.logger.Info("[Executor] settlement submitted",
		"rail", rec.Rail, "transfer_id", rec.TransferID, "external_id", rec.ExternalID, "status", rec.Status)
	events.Emit(ctx, e.events, e.logger, events.New(events.TypeSettlementSubmitted, rec.TenantID, rec))
}

// =============================================================================
// BATCH
// =============================================================================

// ExecuteBatch runs up to MaxBatchSize settlements with bounded
// concurrency. Per-item failures are reported in the results; only an
// oversized batch fails as a whole.
func (e *Executor) ExecuteBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	if len(items) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d items, max %d", ErrBatchTooLarge, len(items), MaxBatchSize)
	}
	results := make([]BatchResult, len(items))

	var g errgroup.Group
	g.SetLimit(e.cfg.BatchWorkers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := e.Execute(ctx, item.Rail, item.Request)
			results[i] = BatchResult{TransferID: item.Request.TransferID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// =============================================================================
// STATUS: CANCEL / REFRESH
// =============================================================================

// StatusChange is the payload of settlement.status_changed.
type StatusChange struct {
	TransferID string      `json:"transfer_id"`
	Rail       rail.ID     `json:"rail"`
	ExternalID string      `json:"external_id"`
	From       rail.Status `json:"from"`
	To         rail.Status `json:"to"`
}

// Cancel asks the rail to cancel a submitted settlement, then refreshes it.
func (e *Executor) Cancel(ctx context.Context, tenant, transferID string) (*Record, error) {
	rec, a, err := e.submitted(ctx, tenant, transferID)
	if err != nil {
		return nil, err
	}
	c, ok := a.(rail.Canceler)
	if !ok {
		return nil, fmt.Errorf("%w: %s", rail.ErrCancelNotSupported, rec.Rail)
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	if err := c.CancelSettlement(actx, rec.ExternalID); err != nil {
		return nil, err
	}
	e.logger.Info("[Executor] settlement cancelled", "rail", rec.Rail, "external_id", rec.ExternalID)
	return e.refresh(ctx, a, *rec)
}

// Refresh polls the rail and applies the status if the transition is legal.
func (e *Executor) Refresh(ctx context.Context, tenant, transferID string) (*Record, error) {
	rec, a, err := e.submitted(ctx, tenant, transferID)
	if err != nil {
		return nil, err
	}
	return e.refresh(ctx, a, *rec)
}

// RefreshPending polls up to limit open settlements and returns how many
// changed status. Errors on individual records do not stop the sweep.
func (e *Executor) RefreshPending(ctx context.Context, limit int) (int, error) {
	recs, err := e.store.ListOpenSettlements(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list open settlements: %w", err)
	}
	changed := 0
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		a, err := e.registry.Load().Get(rec.Rail)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updated, err := e.refresh(ctx, a, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.TransferID, err))
			continue
		}
		if updated.Status != rec.Status {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

func (e *Executor) submitted(ctx context.Context, tenant, transferID string) (*Record, rail.Adapter, error) {
	rec, err := e.store.GetSettlement(ctx, tenant, transferID)
	if err != nil {
		return nil, nil, err
	}
	if rec.State != StateSubmitted {
		return nil, nil, fmt.Errorf("%w: state %s", ErrNotSubmitted, rec.State)
	}
	a, err := e.registry.Load().Get(rec.Rail)
	if err != nil {
		return nil, nil, err
	}
	return rec, a, nil
}

func (e *Executor) refresh(ctx context.Context, a rail.Adapter, rec Record) (*Record, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	tx, err := a.GetTransaction(actx, rail.ByExternalID(rec.ExternalID))
	if err != nil {
		return nil, fmt.Errorf("failed to refresh settlement: %w", err)
	}
	if tx.Status == rec.Status {
		return &rec, nil
	}
	if !rail.CanTransition(rec.Status, tx.Status) {
		e.logger.Warn("[Executor] ignoring illegal status transition",
			"external_id", rec.ExternalID, "from", rec.Status, "to", tx.Status)
		return &rec, nil
	}

	change := StatusChange{
		TransferID: rec.TransferID, Rail: rec.Rail, ExternalID: rec.ExternalID,
		From: rec.Status, To: tx.Status,
	}
	rec.Status = tx.Status
	if err := e.persist(ctx, &rec, tx.SubmittedAt, tx.CompletedAt); err != nil {
		return nil, err
	}
	events.Emit(ctx, e.events, e.logger, events.New(events.TypeSettlementStatusChanged, rec.TenantID, change))
	return &rec, nil
}

func normalize(req rail.SettlementRequest) rail.SettlementRequest {
	req.Currency = strings.ToUpper(req.Currency)
	req.DestinationCurrency = strings.ToUpper(req.DestinationCurrency)
	req.DestinationCountry = strings.ToUpper(req.DestinationCountry)
	return req
}
