package job

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/platform/db"
)

// Runner hands a created job to whatever executes it. Enqueue is called
// inside the unit of work that inserted the job row and returns an opaque
// handle stored on the job.
type Runner interface {
	Enqueue(ctx context.Context, j *Job) (string, error)
}

// InlineRunner executes jobs in-process once the creating unit of work
// commits. It is the default runner and the one tests use.
type InlineRunner struct {
	exec   *Executor
	logger zerolog.Logger
}

func NewInlineRunner(exec *Executor, logger zerolog.Logger) *InlineRunner {
	return &InlineRunner{exec: exec, logger: logger}
}

func (r *InlineRunner) Enqueue(ctx context.Context, j *Job) (string, error) {
	id := j.ID
	db.AfterCommit(ctx, func(ctx context.Context) {
		// Failures are already recorded on the job row.
		if err := r.exec.Execute(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("job_id", id.String()).Msg("inline job finished with error")
		}
	})
	return "inline:" + id.String(), nil
}
