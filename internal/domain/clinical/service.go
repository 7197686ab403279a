package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/fhir"
)

// Terminology is the part of the normalizer the mappers use.
type Terminology interface {
	Normalize(ctx context.Context, in terminology.Coding, correlationID string) (*terminology.Concept, error)
	NormalizeConcept(ctx context.Context, cc fhir.CodeableConcept, correlationID string) (*terminology.Concept, error)
	Get(ctx context.Context, id uuid.UUID) (*terminology.Concept, error)
}

// Service owns the clinical record: reads used by the workflow engine and
// the FHIR mappers that write it.
type Service struct {
	repo   Repository
	terms  Terminology
	writer *Writer
}

func NewService(repo Repository, terms Terminology, writer *Writer) *Service {
	return &Service{repo: repo, terms: terms, writer: writer}
}

// Handlers returns the FHIR mappers for every clinical resource type.
func (s *Service) Handlers() []fhir.ResourceHandler {
	return []fhir.ResourceHandler{
		&PatientMapper{s: s},
		&PractitionerMapper{s: s},
		&OrganizationMapper{s: s},
		&EncounterMapper{s: s},
		&ConditionMapper{s: s},
		&ServiceRequestMapper{s: s},
		&ObservationMapper{s: s},
	}
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

func (s *Service) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return s.repo.GetPractitioner(ctx, id)
}

func (s *Service) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.repo.GetOrganization(ctx, id)
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetEncounter(ctx, id)
}

func (s *Service) GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return s.repo.GetCondition(ctx, id)
}

func (s *Service) GetServiceRequest(ctx context.Context, id uuid.UUID) (*ServiceRequest, error) {
	return s.repo.GetServiceRequest(ctx, id)
}

func (s *Service) GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error) {
	return s.repo.GetObservation(ctx, id)
}

// Concept resolves a normalized concept id.
func (s *Service) Concept(ctx context.Context, id uuid.UUID) (*terminology.Concept, error) {
	return s.terms.Get(ctx, id)
}

// encounterFor loads the referenced encounter and checks it belongs to
// patientID. A nil reference yields nil.
func (s *Service) encounterFor(ctx context.Context, owner string, ref *fhir.Reference, patientID uuid.UUID) (*uuid.UUID, error) {
	if ref == nil || ref.Reference == "" {
		return nil, nil
	}
	id, err := parseRef(owner+".encounter", *ref, "Encounter")
	if err != nil {
		return nil, err
	}
	enc, err := s.repo.GetEncounter(ctx, id)
	if err != nil {
		return nil, err
	}
	if enc.PatientID != patientID {
		return nil, apperr.Validation("Encounter.patient must match %s.patient", owner)
	}
	return &id, nil
}

// subjectPatient resolves a required Patient subject reference.
func (s *Service) subjectPatient(ctx context.Context, owner string, ref *fhir.Reference) (uuid.UUID, error) {
	if ref == nil || ref.Reference == "" {
		return uuid.Nil, apperr.Validation("%s.subject is required", owner)
	}
	id, err := parseRef(owner+".subject", *ref, "Patient")
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.repo.GetPatient(ctx, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Service) concepts(ctx context.Context, ids ...uuid.UUID) ([]*terminology.Concept, error) {
	out := make([]*terminology.Concept, len(ids))
	for i, id := range ids {
		if id == uuid.Nil {
			continue
		}
		c, err := s.terms.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load concept %s: %w", id, err)
		}
		out[i] = c
	}
	return out, nil
}

// decode unmarshals a resource body, checking resourceType when present.
func decode(body json.RawMessage, resourceType string, v interface{}) error {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return apperr.Validation("invalid %s body: %v", resourceType, err)
	}
	if probe.ResourceType != "" && probe.ResourceType != resourceType {
		return apperr.Validation("resourceType %s does not match %s", probe.ResourceType, resourceType)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Validation("invalid %s body: %v", resourceType, err)
	}
	return nil
}

func parseRef(field string, ref fhir.Reference, want string) (uuid.UUID, error) {
	rt, rawID, err := fhir.ParseReference(ref.Reference)
	if err != nil {
		return uuid.Nil, apperr.Validation("%s: %v", field, err)
	}
	if rt != want {
		return uuid.Nil, apperr.Validation("%s must reference %s", field, want)
	}
	return ParseID(rawID)
}

// ParseID parses a resource id.
func ParseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id (expected UUID)")
	}
	return id, nil
}

func parseOptionalTime(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := fhir.ParseDateTime(s)
	if err != nil {
		return nil, apperr.Validation("%s: %v", field, err)
	}
	return &t, nil
}

func parseOptionalDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := fhir.ParseDate(s)
	if err != nil {
		return nil, apperr.Validation("%s: %v", field, err)
	}
	return &t, nil
}
