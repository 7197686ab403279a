// Package queue runs som_job rows on river, a Postgres-backed job queue.
// Job inserts join the caller's transaction so a rolled back submit never
// leaves a queued review behind.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/platform/db"
)

const maxAttempts = 5

type Config struct {
	Workers int
	// SweepSchedule is a standard five-field cron expression. Empty
	// disables the sweep.
	SweepSchedule string
	SweepAfter    time.Duration
}

// Client wraps a river client. It implements job.Runner.
type Client struct {
	client *river.Client[pgx.Tx]
	logger zerolog.Logger
}

var _ job.Runner = (*Client)(nil)

// SlogLogger bridges the root zerolog logger to the *slog.Logger river
// expects.
func SlogLogger(logger zerolog.Logger) *slog.Logger {
	l := logger.With().Str("component", "river").Logger()
	return slog.New(slogzerolog.Option{Level: slog.LevelInfo, Logger: &l}.NewZerologHandler())
}

// PeriodicJobs builds the stuck-review sweep schedule.
func PeriodicJobs(schedule string) ([]*river.PeriodicJob, error) {
	if schedule == "" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			sched,
			func() (river.JobArgs, *river.InsertOpts) {
				return SweepArgs{}, &river.InsertOpts{MaxAttempts: 1}
			},
			&river.PeriodicJobOpts{},
		),
	}, nil
}

func NewClient(pool *pgxpool.Pool, exec Executor, jobs JobReader, sweep SweepFunc, cfg Config, logger zerolog.Logger) (*Client, error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewJobWorker(exec, jobs, logger)); err != nil {
		return nil, err
	}
	if err := river.AddWorkerSafely(workers, NewSweepWorker(sweep, cfg.SweepAfter, logger)); err != nil {
		return nil, err
	}
	periodic, err := PeriodicJobs(cfg.SweepSchedule)
	if err != nil {
		return nil, err
	}
	n := cfg.Workers
	if n <= 0 {
		n = 1
	}

	rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: n},
		},
		MaxAttempts:  maxAttempts,
		Logger:       SlogLogger(logger),
		Workers:      workers,
		PeriodicJobs: periodic,
	})
	if err != nil {
		return nil, fmt.Errorf("init river client: %w", err)
	}
	return &Client{client: rc, logger: logger.With().Str("component", "queue").Logger()}, nil
}

// Enqueue inserts the river job inside the caller's transaction when there
// is one.
func (c *Client) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	args := ExecuteArgs{JobID: j.ID, JobType: j.Type}
	var (
		res *rivertype.JobInsertResult
		err error
	)
	if tx := db.TxFromContext(ctx); tx != nil {
		res, err = c.client.InsertTx(ctx, tx, args, nil)
	} else {
		res, err = c.client.Insert(ctx, args, nil)
	}
	if err != nil {
		return "", fmt.Errorf("insert river job: %w", err)
	}
	c.logger.Debug().Str("job_id", j.ID.String()).Int64("river_job_id", res.Job.ID).Msg("job enqueued")
	return fmt.Sprintf("river:%d", res.Job.ID), nil
}

// Start begins working the default queue. Only the worker process calls it.
func (c *Client) Start(ctx context.Context) error {
	return c.client.Start(ctx)
}

// Stop waits for running jobs to finish.
func (c *Client) Stop(ctx context.Context) error {
	return c.client.Stop(ctx)
}

// Migrate applies river's own schema migrations and returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (int, error) {
	migrator := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: SlogLogger(logger)})
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, fmt.Errorf("river migrate: %w", err)
	}
	return len(res.Versions), nil
}
