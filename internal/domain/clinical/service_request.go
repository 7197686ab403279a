package clinical

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/fhir"
)

type ServiceRequestMapper struct {
	s *Service
}

func (m *ServiceRequestMapper) ResourceType() string { return "ServiceRequest" }

type serviceRequestBody struct {
	Subject         *fhir.Reference      `json:"subject"`
	Encounter       *fhir.Reference      `json:"encounter"`
	Code            fhir.CodeableConcept `json:"code"`
	Status          string               `json:"status"`
	Intent          string               `json:"intent"`
	Priority        string               `json:"priority"`
	AuthoredOn      string               `json:"authoredOn"`
	ReasonReference []fhir.Reference     `json:"reasonReference"`
}

func (m *ServiceRequestMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	sr := &ServiceRequest{}
	var code *terminology.Concept
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "ServiceRequest",
		SOMTable:      TableServiceRequest,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in serviceRequestBody
			if err := decode(body, "ServiceRequest", &in); err != nil {
				return err
			}
			patientID, err := m.s.subjectPatient(ctx, "ServiceRequest", in.Subject)
			if err != nil {
				return err
			}
			sr.PatientID = patientID
			if code, err = m.s.terms.NormalizeConcept(ctx, in.Code, correlationID); err != nil {
				return err
			}
			sr.CodeConceptID = code.ID
			if sr.AuthoredOn, err = parseOptionalTime("ServiceRequest.authoredOn", in.AuthoredOn); err != nil {
				return err
			}
			if sr.EncounterID, err = m.s.encounterFor(ctx, "ServiceRequest", in.Encounter, patientID); err != nil {
				return err
			}
			sr.Status = optString(in.Status)
			sr.Intent = optString(in.Intent)
			sr.Priority = optString(in.Priority)
			sr.ReasonConditionIDs, err = m.reasons(ctx, in.ReasonReference, patientID)
			return err
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			sr.CreatedProvenanceID = provID
			if err := m.s.repo.CreateServiceRequest(ctx, sr); err != nil {
				return uuid.Nil, nil, err
			}
			return sr.ID, sr.ToFHIR(code), nil
		},
	})
}

// reasons resolves Condition reason references in order. References to
// other resource types are ignored; repeats keep their first rank.
func (m *ServiceRequestMapper) reasons(ctx context.Context, refs []fhir.Reference, patientID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, ref := range refs {
		if ref.Reference == "" {
			continue
		}
		rt, _, err := fhir.ParseReference(ref.Reference)
		if err != nil {
			return nil, apperr.Validation("ServiceRequest.reasonReference: %v", err)
		}
		if rt != "Condition" {
			continue
		}
		id, err := parseRef("ServiceRequest.reasonReference", ref, "Condition")
		if err != nil {
			return nil, err
		}
		cond, err := m.s.repo.GetCondition(ctx, id)
		if err != nil {
			return nil, err
		}
		if cond.PatientID != patientID {
			return nil, apperr.Validation("Condition.patient must match ServiceRequest.patient")
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *ServiceRequestMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	sid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	sr, err := m.s.repo.GetServiceRequest(ctx, sid)
	if err != nil {
		return nil, err
	}
	concepts, err := m.s.concepts(ctx, sr.CodeConceptID)
	if err != nil {
		return nil, err
	}
	return sr.ToFHIR(concepts[0]), nil
}
