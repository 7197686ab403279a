package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
)

const listLimit = 200

type Service struct {
	repo     Repository
	tx       db.Transactor
	prov     *provenance.Recorder
	audit    *auditevent.Log
	registry *Registry
	runner   Runner
}

func NewService(repo Repository, tx db.Transactor, prov *provenance.Recorder, audit *auditevent.Log, registry *Registry, runner Runner) *Service {
	return &Service{repo: repo, tx: tx, prov: prov, audit: audit, registry: registry, runner: runner}
}

// SetRunner swaps the runner; the worker process installs the queue-backed
// one after construction.
func (s *Service) SetRunner(r Runner) {
	s.runner = r
}

type createResult struct {
	JobID uuid.UUID `json:"jobId"`
}

// Create validates the parameters, inserts a queued job and enqueues it in
// the same unit of work. Repeating the call with the same correlation id,
// type and parameters returns the job created the first time.
func (s *Service) Create(ctx context.Context, req CreateRequest, correlationID string) (*Job, error) {
	if req.Type == "" {
		return nil, apperr.Validation("Missing job type")
	}
	h, err := s.registry.Lookup(req.Type)
	if err != nil {
		return nil, err
	}
	rawParams := req.Parameters
	if len(bytes.TrimSpace(rawParams)) == 0 || bytes.Equal(bytes.TrimSpace(rawParams), []byte("null")) {
		rawParams = json.RawMessage("{}")
	}
	params, err := h.Validate(rawParams)
	if err != nil {
		return nil, err
	}
	key := map[string]interface{}{"type": req.Type, "parameters": rawParams}

	var created *Job
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		prior, ok, err := auditevent.Replay[createResult](ctx, s.audit, auditevent.Key{
			CorrelationID: correlationID,
			Operation:     "create",
			ResourceType:  "Job",
			Request:       key,
		})
		if err != nil {
			return err
		}
		if ok {
			created, err = s.repo.GetByID(ctx, prior.JobID)
			return err
		}

		actor := auth.ActorFromContext(ctx)
		j := &Job{
			ID:            uuid.New(),
			Type:          req.Type,
			Status:        StatusQueued,
			Message:       optString("queued"),
			Parameters:    params,
			CorrelationID: optString(correlationID),
		}
		provID, err := s.prov.Record(ctx, provenance.Entry{
			Activity:      "create-job",
			Author:        actor,
			CorrelationID: correlationID,
			Target:        &provenance.Target{ResourceType: "Job", ResourceID: j.ID, SOMTable: TableJob, SOMID: j.ID},
		})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		if err := s.repo.Create(ctx, j); err != nil {
			return err
		}
		if err := s.audit.Emit(ctx, auditevent.Event{
			Actor:         actor,
			Operation:     "create",
			CorrelationID: correlationID,
			ResourceType:  "Job",
			ResourceID:    j.ID,
			SOMTable:      TableJob,
			SOMID:         j.ID,
			Request:       key,
			Result:        createResult{JobID: j.ID},
			ProvenanceID:  provID,
		}); err != nil {
			return fmt.Errorf("emit audit event: %w", err)
		}
		handle, err := s.runner.Enqueue(ctx, j)
		if err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		if err := s.repo.SetRunnerHandle(ctx, j.ID, handle); err != nil {
			return fmt.Errorf("store runner handle: %w", err)
		}
		j.RunnerHandle = &handle
		created = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status string) ([]*Job, error) {
	switch status {
	case "", StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
	default:
		return nil, apperr.Validation("Unknown job status: %s", status)
	}
	return s.repo.List(ctx, status, listLimit)
}

// FindActive returns the newest queued or running job of jobType whose
// parameters carry key=value, or nil.
func (s *Service) FindActive(ctx context.Context, jobType, key, value string) (*Job, error) {
	return s.repo.FindActive(ctx, jobType, key, value)
}
