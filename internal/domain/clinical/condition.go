package clinical

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/fhir"
	"github.com/ehr/preauth/pkg/pagination"
)

type ConditionMapper struct {
	s *Service
}

func (m *ConditionMapper) ResourceType() string { return "Condition" }

type conditionBody struct {
	Subject        *fhir.Reference      `json:"subject"`
	Code           fhir.CodeableConcept `json:"code"`
	ClinicalStatus fhir.CodeableConcept `json:"clinicalStatus"`
	OnsetDateTime  string               `json:"onsetDateTime"`
	OnsetDate      string               `json:"onsetDate"`
}

func (m *ConditionMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	c := &Condition{}
	var code *terminology.Concept
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "Condition",
		SOMTable:      TableCondition,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in conditionBody
			if err := decode(body, "Condition", &in); err != nil {
				return err
			}
			patientID, err := m.s.subjectPatient(ctx, "Condition", in.Subject)
			if err != nil {
				return err
			}
			if code, err = m.s.terms.NormalizeConcept(ctx, in.Code, correlationID); err != nil {
				return err
			}
			c.PatientID = patientID
			c.CodeConceptID = code.ID
			if len(in.ClinicalStatus.Coding) > 0 {
				c.ClinicalStatus = optString(in.ClinicalStatus.Coding[0].Code)
			}
			onset := in.OnsetDateTime
			if onset == "" {
				onset = in.OnsetDate
			}
			c.OnsetDate, err = parseOptionalDate("Condition.onset", onset)
			return err
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			c.CreatedProvenanceID = provID
			if err := m.s.repo.CreateCondition(ctx, c); err != nil {
				return uuid.Nil, nil, err
			}
			return c.ID, c.ToFHIR(code), nil
		},
	})
}

func (m *ConditionMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	cid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	c, err := m.s.repo.GetCondition(ctx, cid)
	if err != nil {
		return nil, err
	}
	concepts, err := m.s.concepts(ctx, c.CodeConceptID)
	if err != nil {
		return nil, err
	}
	return c.ToFHIR(concepts[0]), nil
}

// Search supports patient and code (system|code or code).
func (m *ConditionMapper) Search(ctx context.Context, params url.Values) ([]map[string]interface{}, error) {
	f := ConditionFilter{Limit: pagination.FromValues(params).Limit}
	if p := params.Get("patient"); p != "" {
		id, err := refParam(p)
		if err != nil {
			return nil, err
		}
		f.PatientID = &id
	}
	f.CodeSystem, f.Code = codeParam(params.Get("code"))
	conds, err := m.s.repo.SearchConditions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(conds))
	for _, c := range conds {
		concepts, err := m.s.concepts(ctx, c.CodeConceptID)
		if err != nil {
			return nil, err
		}
		out = append(out, c.ToFHIR(concepts[0]))
	}
	return out, nil
}
