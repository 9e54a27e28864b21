package reconcile

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/settlement-engine/rail"
)

// Job is one (tenant, rail, window) to reconcile.
type Job = RunRequest

// JobResult is the outcome of one job.
type JobResult struct {
	Job    Job
	Result *Result
	Err    error
}

// Jobs expands tenants × rails over one window.
func Jobs(tenants []string, rails []rail.ID, start, end time.Time) []Job {
	jobs := make([]Job, 0, len(tenants)*len(rails))
	for _, t := range tenants {
		for _, r := range rails {
			jobs = append(jobs, Job{TenantID: t, Rail: r, PeriodStart: start, PeriodEnd: end})
		}
	}
	return jobs
}

// Sweeper runs many jobs with a fixed number of workers. One job failing
// does not stop the others; cancelling ctx stops jobs not yet started and
// fails the running ones.
type Sweeper struct {
	engine  *Engine
	workers int
	logger  *slog.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(engine *Engine, workers int, logger *slog.Logger) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, workers: workers, logger: logger}
}

// Sweep runs jobs and returns their results in input order.
func (s *Sweeper) Sweep(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, job := range jobs {
		i, job := i, job
		results[i].Job = job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			res, err := s.engine.Run(gctx, job)
			results[i].Result, results[i].Err = res, err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info("[Sweeper] sweep finished", "jobs", len(jobs), "failed", failed)
	return results
}
