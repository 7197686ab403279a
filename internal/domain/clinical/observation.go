package clinical

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/fhir"
	"github.com/ehr/preauth/pkg/pagination"
)

var (
	knownUnits = map[string]bool{"%": true, "mg/dL": true, "mmol/L": true, "mmHg": true, "bpm": true}
	unitRe     = regexp.MustCompile(`^[A-Za-z/%][A-Za-z0-9/%]*$`)
)

// ValidUnit accepts the common clinical units and anything UCUM-like.
func ValidUnit(unit string) bool {
	return knownUnits[unit] || unitRe.MatchString(unit)
}

// ObservationMapper maps Observation resources. It is the one resource
// with updates and version history.
type ObservationMapper struct {
	s *Service
}

func (m *ObservationMapper) ResourceType() string { return "Observation" }

type observationBody struct {
	Subject           *fhir.Reference        `json:"subject"`
	Encounter         *fhir.Reference        `json:"encounter"`
	Status            string                 `json:"status"`
	Category          []fhir.CodeableConcept `json:"category"`
	Code              fhir.CodeableConcept   `json:"code"`
	EffectiveDateTime string                 `json:"effectiveDateTime"`
	ValueQuantity     *struct {
		Value *float64 `json:"value"`
		Unit  *string  `json:"unit"`
	} `json:"valueQuantity"`
	ValueCodeableConcept *fhir.CodeableConcept `json:"valueCodeableConcept"`
}

func categoryFromFHIR(cats []fhir.CodeableConcept) *string {
	for _, cat := range cats {
		for _, c := range cat.Coding {
			switch c.Code {
			case "laboratory", "lab":
				return optString(CategoryLab)
			case "vital-signs", "vital":
				return optString(CategoryVital)
			}
		}
	}
	return nil
}

// applyValue sets the value columns from in, clearing any previous value.
func (m *ObservationMapper) applyValue(ctx context.Context, o *Observation, in *observationBody, correlationID string) (*terminology.Concept, error) {
	o.ValueType, o.QuantityValue, o.QuantityUnit, o.ValueConceptID = nil, nil, nil, nil
	switch {
	case in.ValueQuantity != nil:
		if in.ValueQuantity.Unit == nil {
			return nil, apperr.Validation("Quantity unit required")
		}
		unit := *in.ValueQuantity.Unit
		if !ValidUnit(unit) {
			return nil, apperr.Validation("Quantity unit must match UCUM-like rule")
		}
		o.ValueType = optString(ValueQuantity)
		o.QuantityValue = in.ValueQuantity.Value
		o.QuantityUnit = &unit
	case in.ValueCodeableConcept != nil:
		vc, err := m.s.terms.NormalizeConcept(ctx, *in.ValueCodeableConcept, correlationID)
		if err != nil {
			return nil, err
		}
		o.ValueType = optString(ValueCodeableConcept)
		o.ValueConceptID = &vc.ID
		return vc, nil
	}
	return nil, nil
}

func (m *ObservationMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	o := &Observation{}
	var code, value *terminology.Concept
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "Observation",
		SOMTable:      TableObservation,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in observationBody
			if err := decode(body, "Observation", &in); err != nil {
				return err
			}
			patientID, err := m.s.subjectPatient(ctx, "Observation", in.Subject)
			if err != nil {
				return err
			}
			o.PatientID = patientID
			if o.EncounterID, err = m.s.encounterFor(ctx, "Observation", in.Encounter, patientID); err != nil {
				return err
			}
			if in.Status == "" {
				return apperr.Validation("Observation.status required")
			}
			o.Status = in.Status
			if in.EffectiveDateTime == "" {
				return apperr.Validation("Observation.effectiveDateTime required")
			}
			eff, err := parseOptionalTime("Observation.effectiveDateTime", in.EffectiveDateTime)
			if err != nil {
				return err
			}
			o.EffectiveTime = *eff
			if code, err = m.s.terms.NormalizeConcept(ctx, in.Code, correlationID); err != nil {
				return err
			}
			o.CodeConceptID = code.ID
			o.Category = categoryFromFHIR(in.Category)
			value, err = m.applyValue(ctx, o, &in, correlationID)
			return err
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			o.CreatedProvenanceID = provID
			if err := m.s.repo.CreateObservation(ctx, o); err != nil {
				return uuid.Nil, nil, err
			}
			return o.ID, o.ToFHIR(code, value), nil
		},
	})
}

// Update replaces the mutable fields of an observation and writes a new
// version. Omitted status, effective time and encounter keep their values.
func (m *ObservationMapper) Update(ctx context.Context, id string, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	var (
		o           *Observation
		code, value *terminology.Concept
	)
	return m.s.writer.Update(ctx, CreateSpec{
		ResourceType:  "Observation",
		SOMTable:      TableObservation,
		CorrelationID: correlationID,
		Request:       map[string]interface{}{"id": oid.String(), "resource": body},
		Prepare: func(ctx context.Context) error {
			var in observationBody
			if err := decode(body, "Observation", &in); err != nil {
				return err
			}
			if o, err = m.s.repo.GetObservation(ctx, oid); err != nil {
				return err
			}
			if in.Status != "" {
				o.Status = in.Status
			}
			if in.EffectiveDateTime != "" {
				eff, err := parseOptionalTime("Observation.effectiveDateTime", in.EffectiveDateTime)
				if err != nil {
					return err
				}
				o.EffectiveTime = *eff
			}
			if in.Encounter != nil && in.Encounter.Reference != "" {
				if o.EncounterID, err = m.s.encounterFor(ctx, "Observation", in.Encounter, o.PatientID); err != nil {
					return err
				}
			}
			if code, err = m.s.terms.NormalizeConcept(ctx, in.Code, correlationID); err != nil {
				return err
			}
			o.CodeConceptID = code.ID
			if cat := categoryFromFHIR(in.Category); cat != nil {
				o.Category = cat
			}
			value, err = m.applyValue(ctx, o, &in, correlationID)
			return err
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			if err := m.s.repo.UpdateObservation(ctx, o, provID); err != nil {
				return uuid.Nil, nil, err
			}
			return o.ID, o.ToFHIR(code, value), nil
		},
	})
}

func (m *ObservationMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	o, err := m.s.repo.GetObservation(ctx, oid)
	if err != nil {
		return nil, err
	}
	return m.render(ctx, o)
}

// History lists every stored version, oldest first.
func (m *ObservationMapper) History(ctx context.Context, id string) ([]map[string]interface{}, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	versions, err := m.s.repo.ListObservationVersions(ctx, oid)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(versions))
	for _, v := range versions {
		r, err := m.render(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Search supports patient, encounter, code, category, date (ge/le
// prefixes, repeatable) and status. Without status, entered-in-error
// observations are excluded. Results are newest first.
func (m *ObservationMapper) Search(ctx context.Context, params url.Values) ([]map[string]interface{}, error) {
	f := ObservationFilter{
		Limit:                 pagination.FromValues(params).Limit,
		IncludeEnteredInError: params.Get("status") != "",
	}
	if p := params.Get("patient"); p != "" {
		id, err := refParam(p)
		if err != nil {
			return nil, err
		}
		f.PatientID = &id
	}
	if e := params.Get("encounter"); e != "" {
		id, err := refParam(e)
		if err != nil {
			return nil, err
		}
		f.EncounterID = &id
	}
	f.CodeSystem, f.Code = codeParam(params.Get("code"))
	if cat := categoryFromFHIR([]fhir.CodeableConcept{{Coding: []fhir.Coding{{Code: params.Get("category")}}}}); cat != nil {
		f.Category = *cat
	}
	for _, d := range params["date"] {
		var target **time.Time
		switch {
		case strings.HasPrefix(d, "ge"):
			target = &f.EffectiveFrom
		case strings.HasPrefix(d, "le"):
			target = &f.EffectiveTo
		default:
			continue
		}
		t, err := parseOptionalTime("date", d[2:])
		if err != nil {
			return nil, err
		}
		*target = t
	}

	obs, err := m.s.repo.SearchObservations(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(obs))
	for _, o := range obs {
		r, err := m.render(ctx, o)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *ObservationMapper) render(ctx context.Context, o *Observation) (map[string]interface{}, error) {
	valueID := uuid.Nil
	if o.ValueConceptID != nil {
		valueID = *o.ValueConceptID
	}
	concepts, err := m.s.concepts(ctx, o.CodeConceptID, valueID)
	if err != nil {
		return nil, err
	}
	return o.ToFHIR(concepts[0], concepts[1]), nil
}

// refParam accepts "Type/id" or a bare id.
func refParam(v string) (uuid.UUID, error) {
	if i := strings.LastIndex(v, "/"); i >= 0 {
		v = v[i+1:]
	}
	return ParseID(v)
}

// codeParam splits "system|code"; a bare value is a code in any system.
func codeParam(v string) (system, code string) {
	if s, c, ok := strings.Cut(v, "|"); ok {
		return s, c
	}
	return "", v
}
