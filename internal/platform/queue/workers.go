package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/job"
)

// Executor runs a stored job to completion and records the outcome on it.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID) error
}

// JobReader reads stored jobs.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
}

// SweepFunc reports requests stuck waiting for review and returns how many
// it found.
type SweepFunc func(ctx context.Context, olderThan time.Duration) (int, error)

// JobWorker executes som_job rows handed over by the river queue.
type JobWorker struct {
	river.WorkerDefaults[ExecuteArgs]
	exec   Executor
	jobs   JobReader
	logger zerolog.Logger
}

func NewJobWorker(exec Executor, jobs JobReader, logger zerolog.Logger) *JobWorker {
	return &JobWorker{exec: exec, jobs: jobs, logger: logger.With().Str("component", "river-worker").Logger()}
}

// Work returns nil once the job row is terminal, so a failure the executor
// already recorded is not retried. Anything else goes back to river.
func (w *JobWorker) Work(ctx context.Context, rj *river.Job[ExecuteArgs]) error {
	err := w.exec.Execute(ctx, rj.Args.JobID)
	if err == nil {
		return nil
	}
	j, gerr := w.jobs.Get(ctx, rj.Args.JobID)
	if gerr == nil && j.Terminal() {
		w.logger.Warn().Err(err).
			Str("job_id", rj.Args.JobID.String()).
			Str("job_type", rj.Args.JobType).
			Int64("river_job_id", rj.ID).
			Msg("job failed; recorded on job, not retrying")
		return nil
	}
	return err
}

// SweepWorker runs the periodic stuck-review sweep. It only reports.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweep     SweepFunc
	olderThan time.Duration
	logger    zerolog.Logger
}

func NewSweepWorker(sweep SweepFunc, olderThan time.Duration, logger zerolog.Logger) *SweepWorker {
	return &SweepWorker{sweep: sweep, olderThan: olderThan, logger: logger.With().Str("component", "stuck-review-sweep").Logger()}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	n, err := w.sweep(ctx, w.olderThan)
	if err != nil {
		return err
	}
	w.logger.Info().Int("stuck", n).Dur("older_than", w.olderThan).Msg("stuck-review sweep finished")
	return nil
}
