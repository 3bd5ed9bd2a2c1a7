/*
scheduler.go - Calendar-triggered maintenance jobs

PURPOSE:
  Fires the ledger maintenance jobs (cleanup, tier recompute, annual
  reset) on their calendar triggers and records the last run of each.

TRIGGERS:
  Standard five-field cron expressions (minute hour day-of-month month
  day-of-week) or descriptors such as "@daily", evaluated in UTC by
  robfig/cron. Defaults: "0 4 * * *", "10 4 * * *", "0 0 1 1 *".

DESIGN:
  - robfig/cron owns the timing; each trigger is one cron entry
  - A job still running when its next trigger arrives is skipped
  - Panics inside a job are recovered and logged
  - Each run gets a uuid run id and a log line
  - Jobs are idempotent, so a duplicate firing after a restart is harmless

USAGE:
  scheduler, err := NewJobScheduler(engine, cfg.Scheduler.Jobs)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/jobs.go: the jobs themselves
  - handlers.go: RunJob / ListJobs endpoints
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/bonus-ledger/ledger"
)

// JobRunner executes a named maintenance job. *ledger.Engine implements it.
type JobRunner interface {
	RunJob(ctx context.Context, job ledger.Job) (ledger.JobResult, error)
}

// JobRun records one finished run.
type JobRun struct {
	ID         uuid.UUID
	Job        ledger.Job
	Trigger    string // "schedule" or "manual"
	Affected   int64
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// JobStatus is a job's trigger, its next firing and its last run, if any.
type JobStatus struct {
	Job      ledger.Job
	Schedule string
	NextRun  time.Time
	LastRun  *JobRun
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

type jobTrigger struct {
	spec     string
	schedule cron.Schedule
}

// JobScheduler runs maintenance jobs on cron triggers.
type JobScheduler struct {
	Runner  JobRunner
	Timeout time.Duration
	Log     zerolog.Logger
	Clock   func() time.Time

	triggers map[ledger.Job]jobTrigger

	cron    *cron.Cron
	mu      sync.Mutex // guards cron
	state   sync.Mutex // guards lastRun
	lastRun map[ledger.Job]JobRun
}

// NewJobScheduler parses triggers (job name to cron expression). Unknown
// job names and malformed expressions are rejected.
func NewJobScheduler(runner JobRunner, triggers map[string]string) (*JobScheduler, error) {
	known := make(map[ledger.Job]bool)
	for _, j := range ledger.Jobs() {
		known[j] = true
	}

	parsed := make(map[ledger.Job]jobTrigger, len(triggers))
	for name, spec := range triggers {
		job := ledger.Job(name)
		if !known[job] {
			return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownJob, name)
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("job %s: cron %q: %w", name, spec, err)
		}
		parsed[job] = jobTrigger{spec: spec, schedule: sched}
	}

	return &JobScheduler{
		Runner:   runner,
		Timeout:  10 * time.Minute,
		Log:      zerolog.Nop(),
		Clock:    ledger.SystemClock,
		triggers: parsed,
		lastRun:  make(map[ledger.Job]JobRun),
	}, nil
}

// Start registers every trigger with a fresh cron runner and starts it.
// Calling Start on a running scheduler does nothing.
func (js *JobScheduler) Start() {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.cron != nil {
		return
	}
	logger := cronLogger{js.Log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, job := range ledger.Jobs() {
		t, ok := js.triggers[job]
		if !ok {
			continue
		}
		job := job
		c.Schedule(t.schedule, cron.FuncJob(func() { js.fire(job) }))
	}
	c.Start()
	js.cron = c

	js.Log.Info().Int("jobs", len(js.triggers)).Msg("[Scheduler] Started")
}

// Stop stops the cron runner and waits for a running job to finish.
func (js *JobScheduler) Stop() {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.cron == nil {
		return
	}
	<-js.cron.Stop().Done()
	js.cron = nil
	js.Log.Info().Msg("[Scheduler] Stopped")
}

// fire is the body of every cron entry.
func (js *JobScheduler) fire(job ledger.Job) {
	js.execute(context.Background(), job, TriggerSchedule)
}

// RunNow runs the named job immediately, regardless of its trigger.
func (js *JobScheduler) RunNow(ctx context.Context, name string) (JobRun, error) {
	res := js.execute(ctx, ledger.Job(name), TriggerManual)
	return res.JobRun, res.err
}

// Statuses lists every job with its trigger, next firing and last run.
func (js *JobScheduler) Statuses() []JobStatus {
	now := js.Clock().UTC()

	js.state.Lock()
	defer js.state.Unlock()

	jobs := ledger.Jobs()
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		st := JobStatus{Job: job}
		if t, ok := js.triggers[job]; ok {
			st.Schedule = t.spec
			st.NextRun = t.schedule.Next(now)
		}
		if r, ok := js.lastRun[job]; ok {
			r := r
			st.LastRun = &r
		}
		out = append(out, st)
	}
	return out
}

type jobRunResult struct {
	JobRun
	err error
}

func (js *JobScheduler) execute(ctx context.Context, job ledger.Job, trigger string) jobRunResult {
	if js.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, js.Timeout)
		defer cancel()
	}

	run := JobRun{ID: uuid.New(), Job: job, Trigger: trigger}
	log := js.Log.With().Str("run_id", run.ID.String()).Str("job", string(job)).Str("trigger", trigger).Logger()

	res, err := js.Runner.RunJob(ctx, job)
	run.Affected = res.Affected
	run.StartedAt = res.StartedAt
	run.FinishedAt = res.FinishedAt
	if err != nil {
		run.Error = err.Error()
		log.Error().Err(err).Msg("[Scheduler] Job failed")
	} else {
		log.Info().Int64("affected", run.Affected).Msg("[Scheduler] Job completed")
	}

	if !errors.Is(err, ledger.ErrUnknownJob) {
		js.state.Lock()
		js.lastRun[job] = run
		js.state.Unlock()
	}
	return jobRunResult{JobRun: run, err: err}
}

// =============================================================================
// CRON LOGGING
// =============================================================================

// cronLogger routes robfig/cron's own logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("[Scheduler] " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("[Scheduler] " + msg)
}
