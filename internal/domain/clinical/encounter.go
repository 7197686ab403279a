package clinical

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/fhir"
)

type EncounterMapper struct {
	s *Service
}

func (m *EncounterMapper) ResourceType() string { return "Encounter" }

type encounterBody struct {
	Subject *fhir.Reference `json:"subject"`
	Status  string          `json:"status"`
	Period  struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`
}

func (m *EncounterMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	e := &Encounter{}
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "Encounter",
		SOMTable:      TableEncounter,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in encounterBody
			if err := decode(body, "Encounter", &in); err != nil {
				return err
			}
			patientID, err := m.s.subjectPatient(ctx, "Encounter", in.Subject)
			if err != nil {
				return err
			}
			e.PatientID = patientID
			e.Status = optString(in.Status)
			if e.StartTime, err = parseOptionalTime("Encounter.period.start", in.Period.Start); err != nil {
				return err
			}
			if e.EndTime, err = parseOptionalTime("Encounter.period.end", in.Period.End); err != nil {
				return err
			}
			if e.StartTime != nil && e.EndTime != nil && e.EndTime.Before(*e.StartTime) {
				return apperr.Validation("Encounter.period.end is before period.start")
			}
			return nil
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			e.CreatedProvenanceID = provID
			if err := m.s.repo.CreateEncounter(ctx, e); err != nil {
				return uuid.Nil, nil, err
			}
			return e.ID, e.ToFHIR(), nil
		},
	})
}

func (m *EncounterMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	eid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	e, err := m.s.repo.GetEncounter(ctx, eid)
	if err != nil {
		return nil, err
	}
	return e.ToFHIR(), nil
}
