package preauth

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/payer"
)

// SOM tables owned by the workflow engine.
const (
	TableRequest            = "som_preauth_request"
	TableSupportingDocument = "som_preauth_supporting_document"
	TableSnapshot           = "som_preauth_package_snapshot"
	TableDecision           = "som_preauth_decision"
	TableStatusHistory      = "som_preauth_status_history"
)

// Resource types used in provenance targets and audit events.
const (
	ResourcePreAuth            = "PreAuth"
	ResourceSupportingDocument = "PreAuthSupportingDocument"
	ResourceSnapshot           = "PreAuthPackageSnapshot"
	ResourceDecision           = "PreAuthDecision"
)

const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
)

const RoleSupporting = "supporting"

// ReviewerActor authors everything the simulated payer does.
const ReviewerActor = "payer-sim"

// Submission modes, carried in submit_preauth job parameters.
const (
	ModeSubmit   = "submit"
	ModeResubmit = "resubmit"
	ModeRecovery = "recovery"
)

const extSupportingObservations = "supportingObservationIds"

// Request is the preauthorization aggregate, som_preauth_request.
type Request struct {
	ID                   uuid.UUID              `json:"id"`
	PatientID            uuid.UUID              `json:"patientId"`
	EncounterID          *uuid.UUID             `json:"encounterId"`
	PractitionerID       uuid.UUID              `json:"practitionerId"`
	OrganizationID       *uuid.UUID             `json:"organizationId"`
	DiagnosisConditionID uuid.UUID              `json:"diagnosisConditionId"`
	ServiceRequestID     uuid.UUID              `json:"serviceRequestId"`
	Status               string                 `json:"status"`
	Priority             string                 `json:"priority"`
	Payer                *string                `json:"payer"`
	PolicyID             *string                `json:"policyId"`
	Notes                *string                `json:"notes"`
	Version              int                    `json:"version"`
	CreatedTime          time.Time              `json:"createdTime"`
	UpdatedTime          time.Time              `json:"updatedTime"`
	CreatedProvenanceID  uuid.UUID              `json:"-"`
	UpdatedProvenanceID  *uuid.UUID             `json:"-"`
	Extensions           map[string]interface{} `json:"-"`
}

// SupportingObservationIDs returns the observation ids chosen at draft
// time, in order.
func (r *Request) SupportingObservationIDs() []string {
	raw, ok := r.Extensions[extSupportingObservations]
	if !ok {
		return []string{}
	}
	out := []string{}
	switch v := raw.(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// StatusChange is one row of som_preauth_status_history.
type StatusChange struct {
	ID            uuid.UUID  `json:"id"`
	PreAuthID     uuid.UUID  `json:"preAuthId"`
	FromStatus    *string    `json:"fromStatus"`
	ToStatus      string     `json:"toStatus"`
	ChangedTime   time.Time  `json:"changedTime"`
	ChangedBy     *string    `json:"changedBy"`
	CorrelationID *string    `json:"correlationId"`
	ProvenanceID  *uuid.UUID `json:"provenanceId"`
	JobID         *uuid.UUID `json:"jobId,omitempty"`
}

// DocumentLink attaches a document to a request under a role.
type DocumentLink struct {
	ID            uuid.UUID `json:"id"`
	PreAuthID     uuid.UUID `json:"preAuthId"`
	DocumentID    uuid.UUID `json:"documentId"`
	Role          string    `json:"role"`
	AddedTime     time.Time `json:"addedTime"`
	CorrelationID *string   `json:"correlationId,omitempty"`
	ProvenanceID  uuid.UUID `json:"provenanceId"`
}

// Snapshot is an immutable, checksummed capture of the package sent to the
// payer.
type Snapshot struct {
	ID            uuid.UUID       `json:"id"`
	PreAuthID     uuid.UUID       `json:"preAuthId"`
	CreatedTime   time.Time       `json:"createdTime"`
	CorrelationID *string         `json:"correlationId"`
	ProvenanceID  uuid.UUID       `json:"provenanceId"`
	SchemaVersion string          `json:"schemaVersion"`
	Checksum      string          `json:"checksum"`
	Body          json.RawMessage `json:"snapshot"`
}

// Decision is the outcome of one payer determination.
type Decision struct {
	ID                      uuid.UUID           `json:"id"`
	PreAuthID               uuid.UUID           `json:"preAuthId"`
	JobID                   *uuid.UUID          `json:"jobId,omitempty"`
	DecidedTime             time.Time           `json:"decidedTime"`
	Outcome                 string              `json:"outcome"`
	ReasonCodes             []payer.Reason      `json:"reasonCodes"`
	Rationale               *string             `json:"rationale"`
	RequestedAdditionalInfo []payer.Requirement `json:"requestedAdditionalInfo"`
	RawPayerResponse        json.RawMessage     `json:"-"`
	ProvenanceID            uuid.UUID           `json:"provenanceId"`
}

// Filter narrows Search. Zero values do not filter.
type Filter struct {
	PatientID *uuid.UUID
	Status    string
	Payer     string
	Limit     int
}

// View is the read model returned by Get and Search.
type View struct {
	*Request
	SupportingObservationIDs []string    `json:"supportingObservationIds"`
	SupportingDocumentIDs    []uuid.UUID `json:"supportingDocumentIds"`
	LatestSnapshot           *Snapshot   `json:"latestSnapshot"`
	LatestDecision           *Decision   `json:"latestDecision"`
}

// DraftRequest is the body of a create-draft call.
type DraftRequest struct {
	PatientID                string   `json:"patientId"`
	EncounterID              string   `json:"encounterId,omitempty"`
	PractitionerID           string   `json:"practitionerId"`
	OrganizationID           string   `json:"organizationId,omitempty"`
	DiagnosisConditionID     string   `json:"diagnosisConditionId"`
	ServiceRequestID         string   `json:"serviceRequestId"`
	Priority                 string   `json:"priority,omitempty"`
	Payer                    *string  `json:"payer,omitempty"`
	PolicyID                 *string  `json:"policyId,omitempty"`
	Notes                    *string  `json:"notes,omitempty"`
	SupportingObservationIDs []string `json:"supportingObservationIds,omitempty"`
}

// AttachRequest is the body of an attach-document call.
type AttachRequest struct {
	DocumentID string `json:"documentId"`
	Role       string `json:"role,omitempty"`
}

// SubmitResult is returned by Submit and Resubmit.
type SubmitResult struct {
	PreAuthID  uuid.UUID `json:"preAuthId"`
	SnapshotID uuid.UUID `json:"snapshotId"`
	JobID      uuid.UUID `json:"jobId"`
	Mode       string    `json:"mode"`
}

// EnqueueResult is returned by EnqueueReview. Existing reports that an
// in-flight job was found and no new one was created.
type EnqueueResult struct {
	PreAuthID uuid.UUID `json:"preAuthId"`
	JobID     uuid.UUID `json:"jobId"`
	Existing  bool      `json:"existing"`
}

// LinkView is returned by AttachDocument.
type LinkView struct {
	ID         uuid.UUID `json:"id"`
	PreAuthID  uuid.UUID `json:"preAuthId"`
	DocumentID uuid.UUID `json:"documentId"`
	Role       string    `json:"role"`
}

func (l *DocumentLink) view() *LinkView {
	return &LinkView{ID: l.ID, PreAuthID: l.PreAuthID, DocumentID: l.DocumentID, Role: l.Role}
}

// ReviewOutputs are the outputs of a submit_preauth job.
type ReviewOutputs struct {
	PreAuthID  uuid.UUID `json:"preAuthId"`
	DecisionID uuid.UUID `json:"decisionId"`
	Outcome    string    `json:"outcome"`
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
