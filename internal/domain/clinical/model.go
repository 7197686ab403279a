package clinical

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/fhir"
)

// SOM table names, used as provenance and audit row pointers.
const (
	TablePatient        = "som_patient"
	TablePractitioner   = "som_practitioner"
	TableOrganization   = "som_organization"
	TableEncounter      = "som_encounter"
	TableCondition      = "som_condition"
	TableServiceRequest = "som_service_request"
	TableObservation    = "som_observation"
)

// Record carries the bookkeeping columns every clinical row has.
type Record struct {
	Version             int                    `json:"version"`
	CreatedTime         time.Time              `json:"createdTime"`
	UpdatedTime         time.Time              `json:"updatedTime"`
	CreatedProvenanceID uuid.UUID              `json:"createdProvenanceId"`
	UpdatedProvenanceID *uuid.UUID             `json:"updatedProvenanceId,omitempty"`
	Extensions          map[string]interface{} `json:"extensions,omitempty"`
}

func (r Record) meta() map[string]interface{} {
	return fhir.MetaMap(r.Version, r.UpdatedTime)
}

type Patient struct {
	ID               uuid.UUID  `json:"id"`
	IdentifierSystem *string    `json:"identifierSystem,omitempty"`
	IdentifierValue  *string    `json:"identifierValue,omitempty"`
	NameFamily       *string    `json:"nameFamily,omitempty"`
	NameGiven        *string    `json:"nameGiven,omitempty"`
	BirthDate        *time.Time `json:"birthDate,omitempty"`
	Record
}

func (p *Patient) ToFHIR() map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "Patient",
		"id":           p.ID.String(),
		"meta":         p.meta(),
	}
	if p.IdentifierValue != nil {
		out["identifier"] = []fhir.Identifier{{System: deref(p.IdentifierSystem), Value: *p.IdentifierValue}}
	}
	if p.NameFamily != nil || p.NameGiven != nil {
		name := map[string]interface{}{"given": []string{}}
		if p.NameFamily != nil {
			name["family"] = *p.NameFamily
		}
		if p.NameGiven != nil {
			name["given"] = []string{*p.NameGiven}
		}
		out["name"] = []map[string]interface{}{name}
	}
	if p.BirthDate != nil {
		out["birthDate"] = fhir.FormatDate(*p.BirthDate)
	}
	return out
}

type Practitioner struct {
	ID   uuid.UUID `json:"id"`
	Name *string   `json:"name,omitempty"`
	Record
}

func (p *Practitioner) ToFHIR() map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "Practitioner",
		"id":           p.ID.String(),
		"meta":         p.meta(),
	}
	if p.Name != nil {
		out["name"] = []fhir.HumanName{{Text: *p.Name}}
	}
	return out
}

type Organization struct {
	ID   uuid.UUID `json:"id"`
	Name *string   `json:"name,omitempty"`
	Record
}

func (o *Organization) ToFHIR() map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "Organization",
		"id":           o.ID.String(),
		"meta":         o.meta(),
	}
	if o.Name != nil {
		out["name"] = *o.Name
	}
	return out
}

type Encounter struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patientId"`
	Status    *string    `json:"status,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Record
}

func (e *Encounter) ToFHIR() map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           e.ID.String(),
		"meta":         e.meta(),
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", e.PatientID.String())},
	}
	if e.Status != nil {
		out["status"] = *e.Status
	}
	if e.StartTime != nil || e.EndTime != nil {
		period := map[string]string{}
		if e.StartTime != nil {
			period["start"] = fhir.FormatDateTime(*e.StartTime)
		}
		if e.EndTime != nil {
			period["end"] = fhir.FormatDateTime(*e.EndTime)
		}
		out["period"] = period
	}
	return out
}

type Condition struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      uuid.UUID  `json:"patientId"`
	CodeConceptID  uuid.UUID  `json:"codeConceptId"`
	ClinicalStatus *string    `json:"clinicalStatus,omitempty"`
	OnsetDate      *time.Time `json:"onsetDate,omitempty"`
	Record
}

func (c *Condition) ToFHIR(code *terminology.Concept) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "Condition",
		"id":           c.ID.String(),
		"meta":         c.meta(),
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", c.PatientID.String())},
		"code":         terminology.ToCodeableConcept(code),
	}
	if c.ClinicalStatus != nil {
		out["clinicalStatus"] = fhir.CodeableConcept{Coding: []fhir.Coding{{Code: *c.ClinicalStatus}}}
	}
	if c.OnsetDate != nil {
		out["onsetDate"] = fhir.FormatDate(*c.OnsetDate)
	}
	return out
}

type ServiceRequest struct {
	ID                 uuid.UUID   `json:"id"`
	PatientID          uuid.UUID   `json:"patientId"`
	EncounterID        *uuid.UUID  `json:"encounterId,omitempty"`
	CodeConceptID      uuid.UUID   `json:"codeConceptId"`
	Status             *string     `json:"status,omitempty"`
	Intent             *string     `json:"intent,omitempty"`
	Priority           *string     `json:"priority,omitempty"`
	AuthoredOn         *time.Time  `json:"authoredOn,omitempty"`
	ReasonConditionIDs []uuid.UUID `json:"reasonConditionIds,omitempty"`
	Record
}

func (s *ServiceRequest) ToFHIR(code *terminology.Concept) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "ServiceRequest",
		"id":           s.ID.String(),
		"meta":         s.meta(),
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", s.PatientID.String())},
		"code":         terminology.ToCodeableConcept(code),
	}
	if s.EncounterID != nil {
		out["encounter"] = fhir.Reference{Reference: fhir.FormatReference("Encounter", s.EncounterID.String())}
	}
	setString(out, "status", s.Status)
	setString(out, "intent", s.Intent)
	setString(out, "priority", s.Priority)
	if s.AuthoredOn != nil {
		out["authoredOn"] = fhir.FormatDateTime(*s.AuthoredOn)
	}
	if len(s.ReasonConditionIDs) > 0 {
		refs := make([]fhir.Reference, 0, len(s.ReasonConditionIDs))
		for _, id := range s.ReasonConditionIDs {
			refs = append(refs, fhir.Reference{Reference: fhir.FormatReference("Condition", id.String())})
		}
		out["reasonReference"] = refs
	}
	return out
}

// Observation value kinds.
const (
	ValueQuantity        = "quantity"
	ValueCodeableConcept = "codeable_concept"
)

// Observation categories as stored.
const (
	CategoryLab   = "lab"
	CategoryVital = "vital"
)

// StatusEnteredInError observations are hidden from default searches.
const StatusEnteredInError = "entered-in-error"

type Observation struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      uuid.UUID  `json:"patientId"`
	EncounterID    *uuid.UUID `json:"encounterId,omitempty"`
	Status         string     `json:"status"`
	Category       *string    `json:"category,omitempty"`
	CodeConceptID  uuid.UUID  `json:"codeConceptId"`
	EffectiveTime  time.Time  `json:"effectiveTime"`
	ValueType      *string    `json:"valueType,omitempty"`
	QuantityValue  *float64   `json:"quantityValue,omitempty"`
	QuantityUnit   *string    `json:"quantityUnit,omitempty"`
	ValueConceptID *uuid.UUID `json:"valueConceptId,omitempty"`
	Record
}

// ObservationFilter narrows SearchObservations. Zero values do not filter.
type ObservationFilter struct {
	PatientID     *uuid.UUID
	EncounterID   *uuid.UUID
	CodeSystem    string
	Code          string
	Category      string
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	// IncludeEnteredInError disables the default status exclusion.
	IncludeEnteredInError bool
	Limit                 int
}

// ConditionFilter narrows SearchConditions.
type ConditionFilter struct {
	PatientID  *uuid.UUID
	CodeSystem string
	Code       string
	Limit      int
}

// PatientFilter narrows SearchPatients.
type PatientFilter struct {
	IdentifierSystem string
	IdentifierValue  string
	Name             string
	BirthDate        *time.Time
	Limit            int
}

func (o *Observation) ToFHIR(code, value *terminology.Concept) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType":      "Observation",
		"id":                o.ID.String(),
		"meta":              o.meta(),
		"status":            o.Status,
		"subject":           fhir.Reference{Reference: fhir.FormatReference("Patient", o.PatientID.String())},
		"effectiveDateTime": fhir.FormatDateTime(o.EffectiveTime),
		"code":              terminology.ToCodeableConcept(code),
	}
	if o.EncounterID != nil {
		out["encounter"] = fhir.Reference{Reference: fhir.FormatReference("Encounter", o.EncounterID.String())}
	}
	if o.Category != nil {
		out["category"] = []fhir.CodeableConcept{{Coding: []fhir.Coding{{Code: categoryToFHIR(*o.Category)}}}}
	}
	switch deref(o.ValueType) {
	case ValueQuantity:
		out["valueQuantity"] = fhir.Quantity{Value: o.QuantityValue, Unit: deref(o.QuantityUnit)}
	case ValueCodeableConcept:
		if value != nil {
			out["valueCodeableConcept"] = terminology.ToCodeableConcept(value)
		}
	}
	return out
}

func categoryToFHIR(c string) string {
	switch c {
	case CategoryLab:
		return "laboratory"
	case CategoryVital:
		return "vital-signs"
	}
	return c
}

func setString(m map[string]interface{}, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
