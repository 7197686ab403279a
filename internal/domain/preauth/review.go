package preauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
)

const stuckLimit = 200

type transitionRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type statusResult struct {
	Status string `json:"status"`
}

// BeginReview moves a submitted or resubmitted request into review on
// behalf of job jobID. Calling it again for the same job, or for a request
// already in review, changes nothing.
func (e *Engine) BeginReview(ctx context.Context, id, jobID uuid.UUID, correlationID string) (*Request, error) {
	var out *Request
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		done, err := e.repo.StatusChangeForJob(ctx, id, jobID, StatusInReview)
		if err != nil {
			return err
		}
		if done != nil || r.Status == StatusInReview {
			out = r
			return nil
		}
		if !CanTransition(r.Status, StatusInReview) {
			return invalidTransition("begin-review", r.Status, StatusInReview, "")
		}

		provID, err := e.prov.Record(ctx, provenance.Entry{
			Activity:      "begin-review",
			Author:        ReviewerActor,
			CorrelationID: correlationID,
			Target:        &provenance.Target{ResourceType: ResourcePreAuth, ResourceID: r.ID, SOMTable: TableRequest, SOMID: r.ID},
		})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		updated, err := e.transition(ctx, "begin-review", r, StatusInReview, provID)
		if err != nil {
			return err
		}
		from := r.Status
		jid := jobID
		if err := e.appendStatus(ctx, r.ID, &from, StatusInReview, ReviewerActor, correlationID, provID, &jid); err != nil {
			return err
		}
		out = updated
		return e.audit.Emit(ctx, auditevent.Event{
			Actor:         ReviewerActor,
			Operation:     "update",
			CorrelationID: correlationID,
			ResourceType:  ResourcePreAuth,
			ResourceID:    r.ID,
			SOMTable:      TableRequest,
			SOMID:         r.ID,
			Request:       transitionRecord{From: from, To: StatusInReview},
			Result:        statusResult{Status: StatusInReview},
			ProvenanceID:  provID,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyDecision records the determination made by job jobID and moves the
// request out of review. A job that already recorded its decision gets
// that decision back.
func (e *Engine) ApplyDecision(ctx context.Context, id, jobID uuid.UUID, res *payer.Result, correlationID string) (*Decision, error) {
	next, ok := outcomeStatus(res.Outcome)
	if !ok {
		return nil, apperr.Configuration("payer returned unknown outcome %q", res.Outcome)
	}
	var out *Decision
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		prior, err := e.repo.DecisionForJob(ctx, jobID)
		if err != nil {
			return err
		}
		if prior != nil {
			out = prior
			return nil
		}
		r, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusInReview {
			return invalidTransition("apply-decision", r.Status, next, "")
		}

		provID, err := e.prov.Record(ctx, provenance.Entry{
			Activity:      "payer-determination",
			Author:        ReviewerActor,
			CorrelationID: correlationID,
		})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		raw, err := json.Marshal(map[string]interface{}{"outcome": res.Outcome, "reasonCodes": res.ReasonCodes})
		if err != nil {
			return err
		}
		jid := jobID
		d := &Decision{
			PreAuthID:               r.ID,
			JobID:                   &jid,
			Outcome:                 res.Outcome,
			ReasonCodes:             res.ReasonCodes,
			Rationale:               optString(res.Rationale),
			RequestedAdditionalInfo: res.RequestedAdditionalInfo,
			RawPayerResponse:        raw,
			ProvenanceID:            provID,
		}
		if d.ReasonCodes == nil {
			d.ReasonCodes = []payer.Reason{}
		}
		if d.RequestedAdditionalInfo == nil {
			d.RequestedAdditionalInfo = []payer.Requirement{}
		}
		if err := e.repo.CreateDecision(ctx, d); err != nil {
			return err
		}
		if err := e.prov.SetTarget(ctx, provID, provenance.Target{
			ResourceType: ResourceDecision, ResourceID: d.ID, SOMTable: TableDecision, SOMID: d.ID,
		}); err != nil {
			return fmt.Errorf("set provenance target: %w", err)
		}
		if err := e.audit.Emit(ctx, auditevent.Event{
			Actor:         ReviewerActor,
			Operation:     "create",
			CorrelationID: correlationID,
			ResourceType:  ResourceDecision,
			ResourceID:    d.ID,
			SOMTable:      TableDecision,
			SOMID:         d.ID,
			Result:        map[string]string{"preAuthId": r.ID.String(), "outcome": d.Outcome},
			ProvenanceID:  provID,
		}); err != nil {
			return fmt.Errorf("emit audit event: %w", err)
		}

		if _, err := e.transition(ctx, "apply-decision", r, next, provID); err != nil {
			return err
		}
		from := r.Status
		if err := e.appendStatus(ctx, r.ID, &from, next, ReviewerActor, correlationID, provID, &jid); err != nil {
			return err
		}
		out = d
		return e.audit.Emit(ctx, auditevent.Event{
			Actor:         ReviewerActor,
			Operation:     "update",
			CorrelationID: correlationID,
			ResourceType:  ResourcePreAuth,
			ResourceID:    r.ID,
			SOMTable:      TableRequest,
			SOMID:         r.ID,
			Request:       transitionRecord{From: from, To: next},
			Result:        statusResult{Status: next},
			ProvenanceID:  provID,
		})
	})
	if errors.Is(err, apperr.ErrDuplicate) {
		return e.repo.DecisionForJob(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// evaluationInput gathers the facts the rule evaluator looks at.
func (e *Engine) evaluationInput(ctx context.Context, r *Request) (payer.Input, error) {
	in := payer.Input{PreAuthPriority: r.Priority}
	sr, err := e.records.GetServiceRequest(ctx, r.ServiceRequestID)
	if err != nil {
		return in, err
	}
	svc, err := e.records.Concept(ctx, sr.CodeConceptID)
	if err != nil {
		return in, err
	}
	in.ServiceSystem, in.ServiceCode, in.ServiceText = svc.System, svc.Code, svc.DisplayOr("")
	in.ServicePriority = deref(sr.Priority)

	cond, err := e.records.GetCondition(ctx, r.DiagnosisConditionID)
	if err != nil {
		return in, err
	}
	dx, err := e.records.Concept(ctx, cond.CodeConceptID)
	if err != nil {
		return in, err
	}
	in.DiagnosisSystem, in.DiagnosisCode, in.DiagnosisText = dx.System, dx.Code, dx.DisplayOr("")

	in.Documents, err = e.attachedDocuments(ctx, r.ID)
	return in, err
}

// Review runs one payer determination for job j and returns its outputs.
func (e *Engine) Review(ctx context.Context, j *job.Job, rep job.Reporter) (*ReviewOutputs, error) {
	var p reviewParams
	if err := json.Unmarshal(j.Parameters, &p); err != nil {
		return nil, fmt.Errorf("decode job parameters: %w", err)
	}
	id, err := uuid.Parse(p.PreAuthID)
	if err != nil {
		return nil, apperr.Validation("preAuthId must be a UUID")
	}
	corr := deref(j.CorrelationID)
	log := e.logger.With().Str("job_id", j.ID.String()).Str("preauth_id", id.String()).Logger()

	// A retry after the decision was committed only reports it.
	if d, err := e.repo.DecisionForJob(ctx, j.ID); err != nil {
		return nil, err
	} else if d != nil {
		log.Info().Str("outcome", d.Outcome).Msg("decision already recorded for job")
		return &ReviewOutputs{PreAuthID: id, DecisionID: d.ID, Outcome: d.Outcome}, nil
	}

	if err := rep.Progress(ctx, 10, "assembling package"); err != nil {
		return nil, err
	}
	r, err := e.BeginReview(ctx, id, j.ID, corr)
	if err != nil {
		return nil, err
	}
	if err := rep.Progress(ctx, 40, "payer reviewing"); err != nil {
		return nil, err
	}

	in, err := e.evaluationInput(ctx, r)
	if err != nil {
		return nil, err
	}
	rules, rs, err := e.rules.RulesFor(ctx, deref(r.Payer))
	if err != nil {
		return nil, err
	}
	res, err := payer.Evaluate(rules, e.now(), in)
	if err != nil {
		log.Error().Err(err).Msg("payer rules rejected; request left in review")
		return nil, err
	}
	d, err := e.ApplyDecision(ctx, id, j.ID, res, corr)
	if err != nil {
		return nil, err
	}

	ev := log.Info().Str("outcome", d.Outcome).Str("policy_id", res.PolicyID)
	if rs != nil {
		ev = ev.Str("rule_set_id", rs.ID.String())
	}
	ev.Msg("payer determination recorded")
	return &ReviewOutputs{PreAuthID: id, DecisionID: d.ID, Outcome: d.Outcome}, nil
}

// ReviewWorker runs submit_preauth jobs.
type ReviewWorker struct {
	e *Engine
}

func (e *Engine) ReviewWorker() *ReviewWorker {
	return &ReviewWorker{e: e}
}

func (w *ReviewWorker) Type() string { return job.TypeSubmitPreAuth }

func (w *ReviewWorker) Validate(params json.RawMessage) (json.RawMessage, error) {
	var p reviewParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.Validation("parameters must be an object")
	}
	if _, err := parseID("preAuthId", p.PreAuthID, true); err != nil {
		return nil, err
	}
	if _, err := parseID("snapshotId", p.SnapshotID, false); err != nil {
		return nil, err
	}
	switch p.Mode {
	case "", ModeSubmit, ModeResubmit, ModeRecovery:
	default:
		return nil, apperr.Validation("Unknown submit mode: %s", p.Mode)
	}
	return json.Marshal(p)
}

func (w *ReviewWorker) Run(ctx context.Context, j *job.Job, rep job.Reporter) (interface{}, error) {
	return w.e.Review(ctx, j, rep)
}

// FindStuck lists in-flight requests untouched for longer than olderThan
// whose review cycle has no decision and no queued or running job. They
// need an enqueue-review to make progress.
func (e *Engine) FindStuck(ctx context.Context, olderThan time.Duration) ([]*Request, error) {
	candidates, err := e.repo.ListInFlight(ctx, e.now().Add(-olderThan), stuckLimit)
	if err != nil {
		return nil, err
	}
	var stuck []*Request
	for _, r := range candidates {
		_, decided, err := e.decidedSinceSnapshot(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if decided {
			continue
		}
		active, err := e.jobs.FindActive(ctx, job.TypeSubmitPreAuth, "preAuthId", r.ID.String())
		if err != nil {
			return nil, err
		}
		if active == nil {
			stuck = append(stuck, r)
		}
	}
	return stuck, nil
}

// SweepStuck logs a warning for every stuck request and returns how many
// it found. Recovery stays a manual enqueue-review.
func (e *Engine) SweepStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := e.FindStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, r := range stuck {
		e.logger.Warn().
			Str("preauth_id", r.ID.String()).
			Str("status", r.Status).
			Time("updated_time", r.UpdatedTime).
			Msg("preauth has no active review job; enqueue-review to recover")
	}
	return len(stuck), nil
}
