package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor runs one job to completion. Status transitions are written
// outside any unit of work so progress is visible while the worker runs.
type Executor struct {
	repo     Repository
	registry *Registry
	logger   zerolog.Logger
}

func NewExecutor(repo Repository, registry *Registry, logger zerolog.Logger) *Executor {
	return &Executor{repo: repo, registry: registry, logger: logger.With().Str("component", "job-executor").Logger()}
}

// Execute loads the job and runs its worker. A job that already reached a
// terminal status is skipped, so redelivery is harmless. The returned
// error is the worker's failure after it has been recorded on the job.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) error {
	j, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if j.Terminal() {
		e.logger.Debug().Str("job_id", id.String()).Str("status", j.Status).Msg("job already finished")
		return nil
	}
	log := e.logger.With().Str("job_id", id.String()).Str("job_type", j.Type).Logger()

	h, err := e.registry.Lookup(j.Type)
	if err != nil {
		return e.fail(ctx, j, err)
	}
	if err := e.repo.MarkRunning(ctx, j.ID); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	j.Status = StatusRunning

	out, err := h.Run(ctx, j, &progressReporter{repo: e.repo, id: j.ID, last: j.Progress})
	if err != nil {
		log.Error().Err(err).Msg("job failed")
		return e.fail(ctx, j, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return e.fail(ctx, j, fmt.Errorf("marshal job outputs: %w", err))
	}
	if err := e.repo.Finish(ctx, j.ID, StatusSucceeded, "done", nil, raw); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	log.Info().Msg("job succeeded")
	return nil
}

func (e *Executor) fail(ctx context.Context, j *Job, cause error) error {
	msg := cause.Error()
	if err := e.repo.Finish(ctx, j.ID, StatusFailed, "failed", &msg, nil); err != nil {
		e.logger.Error().Err(err).Str("job_id", j.ID.String()).Msg("record job failure")
	}
	return cause
}

type progressReporter struct {
	mu   sync.Mutex
	repo Repository
	id   uuid.UUID
	last int
}

func (p *progressReporter) Progress(ctx context.Context, pct int, message string) error {
	p.mu.Lock()
	if pct > 100 {
		pct = 100
	}
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	p.mu.Unlock()
	return p.repo.UpdateProgress(ctx, p.id, pct, message)
}
