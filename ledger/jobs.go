/*
jobs.go - Periodic maintenance over all customers

JOBS:
  cleanup_expired      daily   delete entries with amount 0 or past expiry
  recompute_tiers      daily   rewrite cashback_percent from the tier table
  reset_annual_visits  yearly  zero visits_per_year

SAFETY:
  Every job is a single bulk statement, so it is atomic and idempotent.
  Re-running after an at-least-once redelivery changes nothing. Cleanup
  only touches dead entries, which Accrue/Deduct never read, so it may run
  alongside them. The annual reset and the tier update race with visit
  increments only at row level; the database orders them.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Job names a maintenance job.
type Job string

const (
	JobCleanupExpired    Job = "cleanup_expired"
	JobRecomputeTiers    Job = "recompute_tiers"
	JobResetAnnualVisits Job = "reset_annual_visits"
)

// Jobs lists the maintenance jobs in their daily run order.
func Jobs() []Job {
	return []Job{JobCleanupExpired, JobRecomputeTiers, JobResetAnnualVisits}
}

// JobResult describes one finished job run.
type JobResult struct {
	Job        Job
	Affected   int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunJob dispatches to the named job.
func (e *Engine) RunJob(ctx context.Context, job Job) (JobResult, error) {
	switch job {
	case JobCleanupExpired:
		return e.runJob(ctx, job, e.CleanupExpired)
	case JobRecomputeTiers:
		return e.runJob(ctx, job, e.RecomputeTiers)
	case JobResetAnnualVisits:
		return e.runJob(ctx, job, e.ResetAnnualVisits)
	}
	return JobResult{Job: job}, fmt.Errorf("%w: %q", ErrUnknownJob, job)
}

func (e *Engine) runJob(ctx context.Context, job Job, fn func(context.Context) (int64, error)) (JobResult, error) {
	res := JobResult{Job: job, StartedAt: e.now()}
	start := time.Now()
	n, err := fn(ctx)
	res.Affected = n
	res.FinishedAt = e.now()
	e.observer().JobFinished(job, n, time.Since(start), err)
	return res, err
}

// RecomputeTiers rewrites every customer's cashback percentage from the
// tier table. It never reads or writes credit entries.
func (e *Engine) RecomputeTiers(ctx context.Context) (int64, error) {
	if err := e.Tiers.Validate(); err != nil {
		return 0, err
	}
	n, err := e.Store.ApplyTiers(ctx, e.Tiers)
	if err != nil {
		e.Log.Error().Err(err).Msg("tier recompute failed")
		return 0, wrapStore(string(JobRecomputeTiers), err)
	}
	e.Log.Info().Int64("customers", n).Msg("cashback tiers recomputed")
	return n, nil
}

// CleanupExpired deletes exhausted and expired entries.
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := e.Store.DeleteDeadEntries(ctx, e.now())
	if err != nil {
		e.Log.Error().Err(err).Msg("bonus cleanup failed")
		return 0, wrapStore(string(JobCleanupExpired), err)
	}
	e.Log.Info().Int64("deleted", n).Msg("dead bonus entries deleted")
	return n, nil
}

// ResetAnnualVisits zeroes the per-year visit counter of every customer.
func (e *Engine) ResetAnnualVisits(ctx context.Context) (int64, error) {
	n, err := e.Store.ResetAnnualVisits(ctx)
	if err != nil {
		e.Log.Error().Err(err).Msg("annual visit reset failed")
		return 0, wrapStore(string(JobResetAnnualVisits), err)
	}
	e.Log.Info().Int64("customers", n).Msg("annual visit counters reset")
	return n, nil
}
