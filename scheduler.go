package etl

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/qor5/go-bus/quex"
	"github.com/qor5/go-que"
	"github.com/qor5/go-que/pg"
	"github.com/qor5/x/v3/goquex"
	"github.com/qor5/x/v3/sqlx"
	"github.com/theplant/appkit/errornotifier"
	"github.com/theplant/appkit/logtracing"
)

// Runner performs a single ETL pass
type Runner interface {
	Run(ctx context.Context) (*RunReport, error)
}

var _ Runner = (*Pipeline)(nil)

// SchedulerConfig contains configuration for the scheduler
type SchedulerConfig struct {
	Runner Runner

	// go-que storage; the schema must already be migrated with pg.Migrate
	QueueDB   *sql.DB
	QueueName string

	// Time between the scheduled starts of consecutive runs
	Interval time.Duration

	// Retries of a failed run before its slot is skipped
	RetryPolicy *que.RetryPolicy

	// Scheduling pauses for CircuitBreakerCooldown after CircuitBreakerThreshold consecutive skipped runs
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	// Optional
	Notifier errornotifier.Notifier
}

// Validate validates the configuration
func (c *SchedulerConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Runner == nil {
		return errors.New("Runner is required")
	}

	if c.QueueDB == nil {
		return errors.New("QueueDB is required")
	}

	if c.QueueName == "" {
		return errors.New("QueueName is required")
	}

	if c.Interval <= 0 {
		return errors.New("Interval must be greater than 0")
	}

	if c.RetryPolicy == nil {
		return errors.New("RetryPolicy is required")
	}

	if c.CircuitBreakerThreshold <= 0 {
		return errors.New("CircuitBreakerThreshold must be greater than 0")
	}

	if c.CircuitBreakerCooldown <= 0 {
		return errors.New("CircuitBreakerCooldown must be greater than 0")
	}

	return nil
}

// breaker opens after threshold consecutive skipped runs and stays open for cooldown after the last one
type breaker struct {
	threshold int64
	cooldown  time.Duration

	skipped  atomic.Int64
	lastSkip atomic.Int64 // unix nanoseconds
}

func (b *breaker) isOpen(now time.Time) bool {
	if b.skipped.Load() < b.threshold {
		return false
	}
	return now.Before(b.closesAt())
}

func (b *breaker) closesAt() time.Time {
	return time.Unix(0, b.lastSkip.Load()).Add(b.cooldown)
}

// skip records a skipped run and reports whether the breaker is now open
func (b *breaker) skip(now time.Time) bool {
	b.lastSkip.Store(now.UnixNano())
	return b.skipped.Add(1) >= b.threshold
}

func (b *breaker) reset() {
	b.skipped.Store(0)
}

// Scheduler chains pipeline runs as go-que jobs. Exactly one run job exists at a time,
// so runs stay serialized across every process sharing the queue database.
type Scheduler struct {
	*SchedulerConfig
	queue   que.Queue
	breaker *breaker
}

// NewScheduler creates a new Scheduler instance
func NewScheduler(conf *SchedulerConfig) (*Scheduler, error) {
	if err := conf.Validate(); err != nil {
		return nil, WithKind(err, ErrKindConfig)
	}

	queue, err := pg.NewWithOptions(pg.Options{DB: conf.QueueDB, DBMigrate: false})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create queue")
	}

	return &Scheduler{
		SchedulerConfig: conf,
		queue:           queue,
		breaker: &breaker{
			threshold: int64(conf.CircuitBreakerThreshold),
			cooldown:  conf.CircuitBreakerCooldown,
		},
	}, nil
}

// RunRequest is the argument of a run job
type RunRequest struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

var runUniqueID = "dwetl_run"

// Start schedules a run for now, unless a run job is already pending, and starts the worker
func (s *Scheduler) Start(ctx context.Context) (quex.WorkerController, error) {
	err := sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		return s.enqueue(ctx, tx, time.Now())
	})
	if err != nil && !errors.Is(err, que.ErrViolateUniqueConstraint) {
		return nil, errors.Wrap(err, "failed to schedule first run")
	}

	return quex.StartWorker(ctx, que.WorkerOptions{
		Mutex:   s.queue.Mutex(),
		Queue:   s.QueueName,
		Perform: goquex.PerformWithTracing(s.Notifier)(s.Process),
	})
}

// enqueue schedules the run slot at scheduledAt. Slots already in the past run immediately.
func (s *Scheduler) enqueue(ctx context.Context, tx *sql.Tx, scheduledAt time.Time) error {
	runAt := scheduledAt
	if now := time.Now(); runAt.Before(now) {
		runAt = now
	}

	jobIDs, err := s.queue.Enqueue(ctx, tx, que.Plan{
		Queue:           s.QueueName,
		Args:            que.Args(&RunRequest{ScheduledAt: scheduledAt}),
		RunAt:           runAt,
		RetryPolicy:     *s.RetryPolicy,
		UniqueID:        &runUniqueID,
		UniqueLifecycle: que.Lockable,
	})
	if err != nil {
		return errors.Wrap(err, "failed to enqueue run")
	}
	if len(jobIDs) != 1 {
		return errors.Errorf("expected 1 run job, got %d", len(jobIDs))
	}
	return nil
}

// Process runs the pipeline for one job and schedules the next run
func (s *Scheduler) Process(ctx context.Context, job que.Job) error {
	var req RunRequest
	if _, err := que.ParseArgs(job.Plan().Args, &req); err != nil {
		return errors.Wrap(err, "failed to parse run request")
	}

	if s.breaker.isOpen(time.Now()) {
		logtracing.AppendSpanKVs(ctx, "circuit_breaker_open", true, "cooldown", s.CircuitBreakerCooldown.String())
		return s.reschedule(ctx, job, s.breaker.closesAt(), func(ctx context.Context) error {
			return job.Expire(ctx, errors.New("circuit breaker cooldown"))
		})
	}

	report, err := s.Runner.Run(ctx)
	if err != nil {
		return s.skipRun(ctx, job, &req, err)
	}

	s.breaker.reset()
	logtracing.AppendSpanKVs(ctx, reportKVs(report)...)
	return s.reschedule(ctx, job, req.ScheduledAt.Add(s.Interval), job.Destroy)
}

// skipRun hands the failure back to go-que while retries remain, then gives up the slot
// and schedules the next one, or the end of the cooldown when the breaker opens.
func (s *Scheduler) skipRun(ctx context.Context, job que.Job, req *RunRequest, runErr error) error {
	if _, retry := job.Plan().RetryPolicy.NextInterval(job.RetryCount()); retry {
		return runErr
	}

	opened := s.breaker.skip(time.Now())
	next := req.ScheduledAt.Add(s.Interval)
	if opened {
		next = s.breaker.closesAt()
	}

	logtracing.AppendSpanKVs(ctx,
		"run_skipped", true,
		"run_error", fmt.Sprintf("%+v", runErr),
		"error_kind", string(KindOf(runErr)),
		"circuit_breaker_opened", opened,
		"skipped_runs", s.breaker.skipped.Load(),
	)

	if opened && s.Notifier != nil {
		s.Notifier.Notify(errors.Wrap(runErr, "etl runs paused after repeated failures"), nil, map[string]any{
			"skipped_runs": s.breaker.skipped.Load(),
			"resume_at":    next.Format(time.RFC3339),
		})
	}

	return s.reschedule(ctx, job, next, func(ctx context.Context) error {
		return job.Expire(ctx, runErr)
	})
}

// reschedule finishes job and enqueues the run slot at next in one transaction
func (s *Scheduler) reschedule(ctx context.Context, job que.Job, next time.Time, finish func(ctx context.Context) error) error {
	return sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		job.In(tx)
		defer job.In(nil)

		if err := finish(ctx); err != nil {
			return errors.Wrap(err, "failed to finish run job")
		}
		if err := s.enqueue(ctx, tx, next); err != nil {
			return err
		}

		logtracing.AppendSpanKVs(ctx, "next_run_at", next.Format(time.RFC3339))
		return nil
	})
}

func reportKVs(report *RunReport) []any {
	if report == nil {
		return nil
	}
	kvs := []any{"warnings", len(report.Warnings), "dim_date_generated", report.DimDateGenerated}
	for _, c := range report.Loaded {
		kvs = append(kvs, "loaded."+c.Table, c.RecordCount)
	}
	return kvs
}
