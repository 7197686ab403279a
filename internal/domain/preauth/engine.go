// Package preauth is the preauthorization workflow engine. It owns the
// request lifecycle, package snapshots and status history, and drives
// payer determinations through the job runner.
package preauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/domain/documents"
	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const (
	searchLimit = 200
	// resubmitMaxAgeDays applies to requested documents that carry no
	// age window of their own.
	resubmitMaxAgeDays = 30
)

// Records is the part of the clinical service the engine reads.
type Records interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*clinical.Patient, error)
	GetPractitioner(ctx context.Context, id uuid.UUID) (*clinical.Practitioner, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*clinical.Organization, error)
	GetEncounter(ctx context.Context, id uuid.UUID) (*clinical.Encounter, error)
	GetCondition(ctx context.Context, id uuid.UUID) (*clinical.Condition, error)
	GetServiceRequest(ctx context.Context, id uuid.UUID) (*clinical.ServiceRequest, error)
	GetObservation(ctx context.Context, id uuid.UUID) (*clinical.Observation, error)
	Concept(ctx context.Context, id uuid.UUID) (*terminology.Concept, error)
}

// DocumentStore resolves attached documents to their type code and time.
type DocumentStore interface {
	Resolve(ctx context.Context, id uuid.UUID) (*documents.Resolved, error)
}

// RuleSource returns the rules a payer's determinations run against.
type RuleSource interface {
	RulesFor(ctx context.Context, payer string) (*payer.Rules, *payer.RuleSet, error)
}

// JobQueue creates review jobs and finds in-flight ones.
type JobQueue interface {
	Create(ctx context.Context, req job.CreateRequest, correlationID string) (*job.Job, error)
	FindActive(ctx context.Context, jobType, key, value string) (*job.Job, error)
}

type Engine struct {
	repo    Repository
	tx      db.Transactor
	prov    *provenance.Recorder
	audit   *auditevent.Log
	records Records
	docs    DocumentStore
	rules   RuleSource
	jobs    JobQueue
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEngine(repo Repository, tx db.Transactor, prov *provenance.Recorder, audit *auditevent.Log,
	records Records, docs DocumentStore, rules RuleSource, jobs JobQueue, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		tx:      tx,
		prov:    prov,
		audit:   audit,
		records: records,
		docs:    docs,
		rules:   rules,
		jobs:    jobs,
		logger:  logger.With().Str("component", "preauth").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for document age checks.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

type submitKey struct {
	PreAuthID string `json:"preAuthId"`
	Mode      string `json:"mode"`
}

type preAuthKey struct {
	PreAuthID string `json:"preAuthId"`
}

type attachKey struct {
	PreAuthID  string `json:"preAuthId"`
	DocumentID string `json:"documentId"`
	Role       string `json:"role"`
}

type draftResult struct {
	ID uuid.UUID `json:"id"`
}

type reviewParams struct {
	PreAuthID  string `json:"preAuthId"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

func parseID(field, raw string, required bool) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return nil, apperr.Validation("%s is required", field)
		}
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.Validation("%s must be a UUID", field)
	}
	return &id, nil
}

func samePatient(resource string, got, want uuid.UUID) error {
	if got != want {
		return apperr.Validation("%s.patientId must match PreAuth.patientId", resource)
	}
	return nil
}

// CreateDraft validates the referenced records and stores a new request in
// draft. Every referenced record must belong to the request's patient.
func (e *Engine) CreateDraft(ctx context.Context, req DraftRequest, correlationID string) (*View, error) {
	patientID, err := parseID("patientId", req.PatientID, true)
	if err != nil {
		return nil, err
	}
	practitionerID, err := parseID("practitionerId", req.PractitionerID, true)
	if err != nil {
		return nil, err
	}
	conditionID, err := parseID("diagnosisConditionId", req.DiagnosisConditionID, true)
	if err != nil {
		return nil, err
	}
	serviceID, err := parseID("serviceRequestId", req.ServiceRequestID, true)
	if err != nil {
		return nil, err
	}
	encounterID, err := parseID("encounterId", req.EncounterID, false)
	if err != nil {
		return nil, err
	}
	organizationID, err := parseID("organizationId", req.OrganizationID, false)
	if err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityRoutine
	}
	if priority != PriorityRoutine && priority != PriorityUrgent {
		return nil, apperr.Validation("Unsupported priority: %s", priority)
	}
	observationIDs := req.SupportingObservationIDs
	if observationIDs == nil {
		observationIDs = []string{}
	}

	var created uuid.UUID
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		prior, ok, err := auditevent.Replay[draftResult](ctx, e.audit, auditevent.Key{
			CorrelationID: correlationID,
			Operation:     "create",
			ResourceType:  ResourcePreAuth,
			Request:       req,
		})
		if err != nil {
			return err
		}
		if ok {
			created = prior.ID
			return nil
		}

		if err := e.checkReferences(ctx, *patientID, *practitionerID, *conditionID, *serviceID,
			encounterID, organizationID, observationIDs); err != nil {
			return err
		}

		actor := auth.ActorFromContext(ctx)
		provID, err := e.prov.Record(ctx, provenance.Entry{Activity: "create", Author: actor, CorrelationID: correlationID})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		r := &Request{
			ID:                   uuid.New(),
			PatientID:            *patientID,
			EncounterID:          encounterID,
			PractitionerID:       *practitionerID,
			OrganizationID:       organizationID,
			DiagnosisConditionID: *conditionID,
			ServiceRequestID:     *serviceID,
			Status:               StatusDraft,
			Priority:             priority,
			Payer:                trimmed(req.Payer),
			PolicyID:             trimmed(req.PolicyID),
			Notes:                req.Notes,
			CreatedProvenanceID:  provID,
			Extensions:           map[string]interface{}{extSupportingObservations: observationIDs},
		}
		if err := e.repo.Create(ctx, r); err != nil {
			return err
		}
		if err := e.prov.SetTarget(ctx, provID, provenance.Target{
			ResourceType: ResourcePreAuth, ResourceID: r.ID, SOMTable: TableRequest, SOMID: r.ID,
		}); err != nil {
			return fmt.Errorf("set provenance target: %w", err)
		}
		if err := e.appendStatus(ctx, r.ID, nil, StatusDraft, actor, correlationID, provID, nil); err != nil {
			return err
		}
		v, err := e.view(ctx, r)
		if err != nil {
			return err
		}
		created = r.ID
		return e.audit.Emit(ctx, auditevent.Event{
			Actor:         actor,
			Operation:     "create",
			CorrelationID: correlationID,
			ResourceType:  ResourcePreAuth,
			ResourceID:    r.ID,
			SOMTable:      TableRequest,
			SOMID:         r.ID,
			Request:       req,
			Result:        v,
			ProvenanceID:  provID,
		})
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, created)
}

func (e *Engine) checkReferences(ctx context.Context, patientID, practitionerID, conditionID, serviceID uuid.UUID,
	encounterID, organizationID *uuid.UUID, observationIDs []string) error {
	if _, err := e.records.GetPatient(ctx, patientID); err != nil {
		return err
	}
	if _, err := e.records.GetPractitioner(ctx, practitionerID); err != nil {
		return err
	}
	cond, err := e.records.GetCondition(ctx, conditionID)
	if err != nil {
		return err
	}
	if err := samePatient("Condition", cond.PatientID, patientID); err != nil {
		return err
	}
	sr, err := e.records.GetServiceRequest(ctx, serviceID)
	if err != nil {
		return err
	}
	if err := samePatient("ServiceRequest", sr.PatientID, patientID); err != nil {
		return err
	}
	if encounterID != nil {
		enc, err := e.records.GetEncounter(ctx, *encounterID)
		if err != nil {
			return err
		}
		if err := samePatient("Encounter", enc.PatientID, patientID); err != nil {
			return err
		}
	}
	if organizationID != nil {
		if _, err := e.records.GetOrganization(ctx, *organizationID); err != nil {
			return err
		}
	}
	for _, raw := range observationIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperr.Validation("supportingObservationIds: %q is not a UUID", raw)
		}
		obs, err := e.records.GetObservation(ctx, id)
		if err != nil {
			return err
		}
		if err := samePatient("Observation", obs.PatientID, patientID); err != nil {
			return err
		}
	}
	return nil
}

// Submit moves a draft to submitted, snapshots the package and enqueues the
// payer review.
func (e *Engine) Submit(ctx context.Context, id uuid.UUID, correlationID string) (*SubmitResult, error) {
	return e.submit(ctx, id, correlationID, ModeSubmit)
}

// Resubmit moves a pending-info request to resubmitted once every document
// the payer asked for is attached and recent enough.
func (e *Engine) Resubmit(ctx context.Context, id uuid.UUID, correlationID string) (*SubmitResult, error) {
	return e.submit(ctx, id, correlationID, ModeResubmit)
}

func (e *Engine) submit(ctx context.Context, id uuid.UUID, correlationID, mode string) (*SubmitResult, error) {
	key := submitKey{PreAuthID: id.String(), Mode: mode}
	var out *SubmitResult
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		prior, ok, err := auditevent.Replay[SubmitResult](ctx, e.audit, auditevent.Key{
			CorrelationID: correlationID,
			Operation:     mode,
			ResourceType:  ResourcePreAuth,
			Request:       key,
		})
		if err != nil {
			return err
		}
		if ok {
			out = &prior
			return nil
		}

		r, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		next := StatusSubmitted
		if mode == ModeSubmit {
			if r.Status != StatusDraft {
				return invalidTransition(mode, r.Status, next, "use resubmit for pending-info")
			}
		} else {
			next = StatusResubmitted
			if r.Status != StatusPendingInfo {
				return invalidTransition(mode, r.Status, next, "")
			}
			if err := e.checkRequestedDocuments(ctx, r); err != nil {
				return err
			}
		}

		actor := auth.ActorFromContext(ctx)
		provID, err := e.prov.Record(ctx, provenance.Entry{
			Activity:      mode,
			Author:        actor,
			CorrelationID: correlationID,
			Target:        &provenance.Target{ResourceType: ResourcePreAuth, ResourceID: r.ID, SOMTable: TableRequest, SOMID: r.ID},
		})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		updated, err := e.transition(ctx, mode, r, next, provID)
		if err != nil {
			return err
		}
		from := r.Status
		if err := e.appendStatus(ctx, r.ID, &from, next, actor, correlationID, provID, nil); err != nil {
			return err
		}

		snap, err := e.createSnapshot(ctx, updated, actor, correlationID)
		if err != nil {
			return err
		}
		params, err := json.Marshal(reviewParams{PreAuthID: r.ID.String(), SnapshotID: snap.ID.String(), Mode: mode})
		if err != nil {
			return err
		}
		j, err := e.jobs.Create(ctx, job.CreateRequest{Type: job.TypeSubmitPreAuth, Parameters: params}, correlationID)
		if err != nil {
			return fmt.Errorf("enqueue review: %w", err)
		}

		out = &SubmitResult{PreAuthID: r.ID, SnapshotID: snap.ID, JobID: j.ID, Mode: mode}
		return e.audit.Emit(ctx, auditevent.Event{
			Actor:         actor,
			Operation:     mode,
			CorrelationID: correlationID,
			ResourceType:  ResourcePreAuth,
			ResourceID:    r.ID,
			SOMTable:      TableRequest,
			SOMID:         r.ID,
			Request:       key,
			Result:        out,
			ProvenanceID:  provID,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("preauth_id", id.String()).Str("mode", mode).Str("job_id", out.JobID.String()).Msg("preauth submitted")
	return out, nil
}

// transition applies a compare-and-swap status change. Losing the race to a
// concurrent writer is reported against the status that writer left.
func (e *Engine) transition(ctx context.Context, op string, r *Request, to string, provID uuid.UUID) (*Request, error) {
	if !CanTransition(r.Status, to) {
		return nil, invalidTransition(op, r.Status, to, "")
	}
	updated, err := e.repo.UpdateStatus(ctx, r.ID, r.Status, r.Version, to, provID)
	if errors.Is(err, ErrStale) {
		current := r.Status
		if fresh, gerr := e.repo.GetByID(db.Detach(ctx), r.ID); gerr == nil {
			current = fresh.Status
		}
		return nil, invalidTransition(op, current, to, "request was modified concurrently")
	}
	return updated, err
}

func (e *Engine) appendStatus(ctx context.Context, id uuid.UUID, from *string, to, by, correlationID string, provID uuid.UUID, jobID *uuid.UUID) error {
	pid := provID
	return e.repo.AppendStatus(ctx, &StatusChange{
		PreAuthID:     id,
		FromStatus:    from,
		ToStatus:      to,
		ChangedBy:     optString(by),
		CorrelationID: optString(correlationID),
		ProvenanceID:  &pid,
		JobID:         jobID,
	})
}

// checkRequestedDocuments gates a resubmit on the requirements listed by
// the latest pending-info decision.
func (e *Engine) checkRequestedDocuments(ctx context.Context, r *Request) error {
	latest, err := e.repo.LatestDecision(ctx, r.ID)
	if err != nil {
		return err
	}
	if latest == nil || latest.Outcome != payer.OutcomePendingInfo {
		return invalidTransition(ModeResubmit, r.Status, StatusResubmitted, "no pending-info decision found")
	}
	docs, err := e.attachedDocuments(ctx, r.ID)
	if err != nil {
		return err
	}
	now := e.now()
	seen := map[string]bool{}
	var missing []string
	for _, req := range latest.RequestedAdditionalInfo {
		if !strings.EqualFold(req.Type, "document") {
			continue
		}
		maxAge := req.MaxAgeDays
		if maxAge == 0 {
			maxAge = resubmitMaxAgeDays
		}
		if payer.Satisfied(req.Code, maxAge, now, docs) || seen[req.Code] {
			continue
		}
		seen[req.Code] = true
		missing = append(missing, req.Code)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &apperr.MissingRequirementError{Message: "Missing required documents for resubmission", Codes: missing}
	}
	return nil
}

// attachedDocuments resolves every linked document for evaluation. Links to
// documents that no longer resolve are skipped.
func (e *Engine) attachedDocuments(ctx context.Context, id uuid.UUID) ([]payer.Document, error) {
	links, err := e.repo.ListDocumentLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]payer.Document, 0, len(links))
	for _, l := range links {
		d, err := e.docs.Resolve(ctx, l.DocumentID)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, payer.Document{Code: d.Code, Time: d.EffectiveTime})
	}
	return out, nil
}

// createSnapshot captures the package as it stands, including documents
// attached after the draft was created.
func (e *Engine) createSnapshot(ctx context.Context, r *Request, actor, correlationID string) (*Snapshot, error) {
	provID, err := e.prov.Record(ctx, provenance.Entry{Activity: "snapshot", Author: actor, CorrelationID: correlationID})
	if err != nil {
		return nil, fmt.Errorf("record provenance: %w", err)
	}
	body, err := e.assemble(ctx, r)
	if err != nil {
		return nil, err
	}
	checksum, raw, err := body.Checksum()
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		PreAuthID:     r.ID,
		CorrelationID: optString(correlationID),
		ProvenanceID:  provID,
		SchemaVersion: SnapshotSchemaVersion,
		Checksum:      checksum,
		Body:          raw,
	}
	if err := e.repo.CreateSnapshot(ctx, s); err != nil {
		return nil, err
	}
	if err := e.prov.SetTarget(ctx, provID, provenance.Target{
		ResourceType: ResourceSnapshot, ResourceID: s.ID, SOMTable: TableSnapshot, SOMID: s.ID,
	}); err != nil {
		return nil, fmt.Errorf("set provenance target: %w", err)
	}
	err = e.audit.Emit(ctx, auditevent.Event{
		Actor:         actor,
		Operation:     "create",
		CorrelationID: correlationID,
		ResourceType:  ResourceSnapshot,
		ResourceID:    s.ID,
		SOMTable:      TableSnapshot,
		SOMID:         s.ID,
		Result:        map[string]string{"snapshotId": s.ID.String(), "preAuthId": r.ID.String(), "checksum": checksum},
		ProvenanceID:  provID,
	})
	if err != nil {
		return nil, fmt.Errorf("emit audit event: %w", err)
	}
	return s, nil
}

func (e *Engine) assemble(ctx context.Context, r *Request) (*PackageBody, error) {
	body := newPackageBody(r)
	for _, raw := range r.SupportingObservationIDs() {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		o, err := e.records.GetObservation(ctx, id)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		body.SupportingObservations = append(body.SupportingObservations, snapshotObservation{
			ID:            o.ID.String(),
			CodeConceptID: o.CodeConceptID.String(),
			EffectiveTime: fhir.FormatDateTime(o.EffectiveTime),
			Status:        o.Status,
		})
	}
	links, err := e.repo.ListDocumentLinks(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		d, err := e.docs.Resolve(ctx, l.DocumentID)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		doc := snapshotDocument{
			ID:            d.ID.String(),
			TypeConceptID: d.TypeConceptID.String(),
			Title:         d.Title,
			Role:          l.Role,
		}
		if d.DateTime != nil {
			s := fhir.FormatDateTime(*d.DateTime)
			doc.DateTime = &s
		}
		if d.BinaryID != nil {
			s := d.BinaryID.String()
			doc.BinaryID = &s
		}
		body.SupportingDocuments = append(body.SupportingDocuments, doc)
	}
	return body, nil
}

// EnqueueReview re-enqueues the payer review for a request stuck waiting on
// one. It never takes a new snapshot. An active review job is returned
// instead of creating a second one.
func (e *Engine) EnqueueReview(ctx context.Context, id uuid.UUID, correlationID string) (*EnqueueResult, error) {
	const op = "enqueue-review"
	key := preAuthKey{PreAuthID: id.String()}
	var out *EnqueueResult
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		prior, ok, err := auditevent.Replay[EnqueueResult](ctx, e.audit, auditevent.Key{
			CorrelationID: correlationID,
			Operation:     op,
			ResourceType:  ResourcePreAuth,
			Request:       key,
		})
		if err != nil {
			return err
		}
		if ok {
			out = &prior
			return nil
		}

		// Held until commit so a concurrent call sees this call's job.
		r, err := e.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !InFlight(r.Status) {
			return invalidTransition(op, r.Status, "", "request is not awaiting review")
		}
		snap, decided, err := e.decidedSinceSnapshot(ctx, r.ID)
		if err != nil {
			return err
		}
		if decided {
			return invalidTransition(op, r.Status, "", "decision already exists")
		}

		actor := auth.ActorFromContext(ctx)
		var provID uuid.UUID
		existing, err := e.jobs.FindActive(ctx, job.TypeSubmitPreAuth, "preAuthId", r.ID.String())
		if err != nil {
			return err
		}
		if existing != nil {
			out = &EnqueueResult{PreAuthID: r.ID, JobID: existing.ID, Existing: true}
		} else {
			provID, err = e.prov.Record(ctx, provenance.Entry{
				Activity:      op,
				Author:        actor,
				CorrelationID: correlationID,
				Target:        &provenance.Target{ResourceType: ResourcePreAuth, ResourceID: r.ID, SOMTable: TableRequest, SOMID: r.ID},
			})
			if err != nil {
				return fmt.Errorf("record provenance: %w", err)
			}
			p := reviewParams{PreAuthID: r.ID.String(), Mode: ModeRecovery}
			if snap != nil {
				p.SnapshotID = snap.ID.String()
			}
			params, err := json.Marshal(p)
			if err != nil {
				return err
			}
			j, err := e.jobs.Create(ctx, job.CreateRequest{Type: job.TypeSubmitPreAuth, Parameters: params}, correlationID)
			if err != nil {
				return fmt.Errorf("enqueue review: %w", err)
			}
			out = &EnqueueResult{PreAuthID: r.ID, JobID: j.ID}
		}
		return e.audit.Emit(ctx, auditevent.Event{
			Actor:         actor,
			Operation:     op,
			CorrelationID: correlationID,
			ResourceType:  ResourcePreAuth,
			ResourceID:    r.ID,
			SOMTable:      TableRequest,
			SOMID:         r.ID,
			Request:       key,
			Result:        out,
			ProvenanceID:  provID,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decidedSinceSnapshot reports whether a decision was recorded after the
// latest package snapshot, i.e. the current review cycle already finished.
func (e *Engine) decidedSinceSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, bool, error) {
	snap, err := e.repo.LatestSnapshot(ctx, id)
	if err != nil {
		return nil, false, err
	}
	d, err := e.repo.LatestDecision(ctx, id)
	if err != nil || d == nil {
		return snap, false, err
	}
	return snap, snap == nil || d.DecidedTime.After(snap.CreatedTime), nil
}

// AttachDocument links a document of the request's patient under role.
// Attaching the same document under the same role again returns the
// existing link.
func (e *Engine) AttachDocument(ctx context.Context, id uuid.UUID, req AttachRequest, correlationID string) (*LinkView, error) {
	docID, err := parseID("documentId", req.DocumentID, true)
	if err != nil {
		return nil, err
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = RoleSupporting
	}
	key := attachKey{PreAuthID: id.String(), DocumentID: docID.String(), Role: role}

	var out *LinkView
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		prior, ok, err := auditevent.Replay[LinkView](ctx, e.audit, auditevent.Key{
			CorrelationID: correlationID,
			Operation:     "create",
			ResourceType:  ResourceSupportingDocument,
			Request:       key,
		})
		if err != nil {
			return err
		}
		if ok {
			out = &prior
			return nil
		}

		r, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		doc, err := e.docs.Resolve(ctx, *docID)
		if err != nil {
			return err
		}
		if err := samePatient("Document", doc.PatientID, r.PatientID); err != nil {
			return err
		}
		existing, err := e.repo.FindDocumentLink(ctx, r.ID, doc.ID, role)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing.view()
			return nil
		}

		actor := auth.ActorFromContext(ctx)
		provID, err := e.prov.Record(ctx, provenance.Entry{Activity: "attach-document", Author: actor, CorrelationID: correlationID})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		link := &DocumentLink{
			PreAuthID:     r.ID,
			DocumentID:    doc.ID,
			Role:          role,
			CorrelationID: optString(correlationID),
			ProvenanceID:  provID,
		}
		if err := e.repo.AttachDocument(ctx, link); err != nil {
			return err
		}
		if err := e.prov.SetTarget(ctx, provID, provenance.Target{
			ResourceType: ResourceSupportingDocument, ResourceID: link.ID, SOMTable: TableSupportingDocument, SOMID: link.ID,
		}); err != nil {
			return fmt.Errorf("set provenance target: %w", err)
		}
		out = link.view()
		return e.audit.Emit(ctx, auditevent.Event{
			Actor:         actor,
			Operation:     "create",
			CorrelationID: correlationID,
			ResourceType:  ResourceSupportingDocument,
			ResourceID:    link.ID,
			SOMTable:      TableSupportingDocument,
			SOMID:         link.ID,
			Request:       key,
			Result:        out,
			ProvenanceID:  provID,
		})
	})
	if errors.Is(err, apperr.ErrDuplicate) {
		// A concurrent attach won the insert; its link is the result.
		l, ferr := e.repo.FindDocumentLink(ctx, id, *docID, role)
		if ferr != nil {
			return nil, ferr
		}
		if l != nil {
			e.logger.Debug().Str("preauth_id", id.String()).Str("document_id", docID.String()).Msg("attach conflict resolved to existing link")
			return l.view(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the request with its latest snapshot and decision.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	r, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.view(ctx, r)
}

func (e *Engine) view(ctx context.Context, r *Request) (*View, error) {
	snap, err := e.repo.LatestSnapshot(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	dec, err := e.repo.LatestDecision(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	links, err := e.repo.ListDocumentLinks(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	docIDs := make([]uuid.UUID, 0, len(links))
	for _, l := range links {
		docIDs = append(docIDs, l.DocumentID)
	}
	return &View{
		Request:                  r,
		SupportingObservationIDs: r.SupportingObservationIDs(),
		SupportingDocumentIDs:    docIDs,
		LatestSnapshot:           snap,
		LatestDecision:           dec,
	}, nil
}

// Search returns up to 200 requests, most recently updated first.
func (e *Engine) Search(ctx context.Context, f Filter) ([]*View, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, apperr.Validation("Unknown preauth status: %s", f.Status)
	}
	if f.Limit <= 0 || f.Limit > searchLimit {
		f.Limit = searchLimit
	}
	rows, err := e.repo.Search(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*View, 0, len(rows))
	for _, r := range rows {
		v, err := e.view(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// StatusHistory returns every transition of the request, oldest first.
func (e *Engine) StatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := e.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	rows, err := e.repo.ListStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*StatusChange{}
	}
	return rows, nil
}

// LatestDecision returns the most recent decision, or nil before the first
// determination.
func (e *Engine) LatestDecision(ctx context.Context, id uuid.UUID) (*Decision, error) {
	if _, err := e.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.LatestDecision(ctx, id)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	return optString(strings.TrimSpace(*s))
}
