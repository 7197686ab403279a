package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job types.
const (
	TypeBulkImportObservations = "bulk_import_observations"
	TypeSubmitPreAuth          = "submit_preauth"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const TableJob = "som_job"

// Job maps to som_job.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Message       *string         `json:"message"`
	Error         *string         `json:"error"`
	Parameters    json.RawMessage `json:"parameters"`
	Outputs       json.RawMessage `json:"outputs"`
	CorrelationID *string         `json:"correlationId"`
	RunnerHandle  *string         `json:"runnerHandle,omitempty"`
	CreatedTime   time.Time       `json:"createdTime"`
	UpdatedTime   time.Time       `json:"updatedTime"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Active reports whether the job is queued or running.
func (j *Job) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusRunning
}

// CreateRequest is the body of POST /api/v1/jobs.
type CreateRequest struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
