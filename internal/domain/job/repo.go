package job

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// List returns the newest jobs first, optionally filtered by status.
	List(ctx context.Context, status string, limit int) ([]*Job, error)
	// FindActive returns the newest queued or running job of jobType whose
	// parameters carry key=value, or nil.
	FindActive(ctx context.Context, jobType, key, value string) (*Job, error)
	SetRunnerHandle(ctx context.Context, id uuid.UUID, handle string) error
	// MarkRunning moves a non-terminal job to running.
	MarkRunning(ctx context.Context, id uuid.UUID) error
	// UpdateProgress never lowers the stored progress.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error
	Finish(ctx context.Context, id uuid.UUID, status string, message string, errText *string, outputs json.RawMessage) error
}
