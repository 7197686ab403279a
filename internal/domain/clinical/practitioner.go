package clinical

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/fhir"
)

type PractitionerMapper struct {
	s *Service
}

func (m *PractitionerMapper) ResourceType() string { return "Practitioner" }

// practitionerName prefers name.text, else given names then family.
func practitionerName(names []fhir.HumanName) string {
	if len(names) == 0 {
		return ""
	}
	n := names[0]
	if n.Text != "" {
		return n.Text
	}
	parts := append([]string{}, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}

func (m *PractitionerMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	p := &Practitioner{}
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "Practitioner",
		SOMTable:      TablePractitioner,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in struct {
				Name []fhir.HumanName `json:"name"`
			}
			if err := decode(body, "Practitioner", &in); err != nil {
				return err
			}
			p.Name = optString(practitionerName(in.Name))
			return nil
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			p.CreatedProvenanceID = provID
			if err := m.s.repo.CreatePractitioner(ctx, p); err != nil {
				return uuid.Nil, nil, err
			}
			return p.ID, p.ToFHIR(), nil
		},
	})
}

func (m *PractitionerMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	pid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	p, err := m.s.repo.GetPractitioner(ctx, pid)
	if err != nil {
		return nil, err
	}
	return p.ToFHIR(), nil
}
