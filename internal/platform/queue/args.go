package queue

import "github.com/google/uuid"

const (
	KindExecute = "som_job"
	KindSweep   = "stuck_review_sweep"
)

// ExecuteArgs points a river job at a som_job row. The row stays the source
// of truth for status, progress and outputs.
type ExecuteArgs struct {
	JobID   uuid.UUID `json:"jobId"`
	JobType string    `json:"jobType"`
}

func (ExecuteArgs) Kind() string { return KindExecute }

// SweepArgs triggers one stuck-review sweep.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return KindSweep }
