package clinical

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/fhir"
	"github.com/ehr/preauth/pkg/pagination"
)

// PatientMapper maps Patient resources onto som_patient.
type PatientMapper struct {
	s *Service
}

func (m *PatientMapper) ResourceType() string { return "Patient" }

type patientBody struct {
	Identifier []fhir.Identifier `json:"identifier"`
	Name       []fhir.HumanName  `json:"name"`
	BirthDate  string            `json:"birthDate"`
}

func (m *PatientMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	var in patientBody
	p := &Patient{}
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "Patient",
		SOMTable:      TablePatient,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			if err := decode(body, "Patient", &in); err != nil {
				return err
			}
			if len(in.Identifier) > 0 {
				p.IdentifierSystem = optString(in.Identifier[0].System)
				p.IdentifierValue = optString(in.Identifier[0].Value)
			}
			if len(in.Name) > 0 {
				p.NameFamily = optString(in.Name[0].Family)
				if len(in.Name[0].Given) > 0 {
					p.NameGiven = optString(in.Name[0].Given[0])
				}
			}
			bd, err := parseOptionalDate("Patient.birthDate", in.BirthDate)
			p.BirthDate = bd
			return err
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			p.CreatedProvenanceID = provID
			if err := m.s.repo.CreatePatient(ctx, p); err != nil {
				return uuid.Nil, nil, err
			}
			return p.ID, p.ToFHIR(), nil
		},
	})
}

func (m *PatientMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	pid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	p, err := m.s.repo.GetPatient(ctx, pid)
	if err != nil {
		return nil, err
	}
	return p.ToFHIR(), nil
}

// Search supports identifier (system|value or value), name and birthdate.
func (m *PatientMapper) Search(ctx context.Context, params url.Values) ([]map[string]interface{}, error) {
	f := PatientFilter{Name: params.Get("name"), Limit: pagination.FromValues(params).Limit}
	if ident := params.Get("identifier"); ident != "" {
		if system, value, ok := strings.Cut(ident, "|"); ok {
			f.IdentifierSystem, f.IdentifierValue = system, value
		} else {
			f.IdentifierValue = ident
		}
	}
	bd, err := parseOptionalDate("birthdate", params.Get("birthdate"))
	if err != nil {
		return nil, err
	}
	f.BirthDate = bd
	patients, err := m.s.repo.SearchPatients(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(patients))
	for _, p := range patients {
		out = append(out, p.ToFHIR())
	}
	return out, nil
}
