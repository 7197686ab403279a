// Package sandbox loads demo data: the fixed seed data set and the
// scenario templates used to stand up a fresh patient for a walkthrough.
// Everything is written through the regular resource mappers and the
// workflow engine so provenance and audit rows look like real traffic.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/domain/preauth"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const (
	systemSNOMED  = "http://snomed.info/sct"
	systemLOINC   = "http://loinc.org"
	systemCPT     = "http://www.ama-assn.org/go/cpt"
	systemDocType = "urn:sample-app:doc-type"
	systemMRN     = "urn:mrn"

	seedPayer = "Acme Payer"
)

var (
	codingOsteoarthritis = fhir.Coding{System: systemSNOMED, Code: "396275006", Display: "Osteoarthritis"}
	codingAcuteKnee      = fhir.Coding{System: systemSNOMED, Code: "263204007", Display: "Acute knee injury"}
	codingHypertension   = fhir.Coding{System: systemSNOMED, Code: "38341003", Display: "Hypertension"}
	codingMRIKnee        = fhir.Coding{System: systemCPT, Code: "73721", Display: "MRI knee wo contrast"}
	codingSystolicBP     = fhir.Coding{System: systemLOINC, Code: "8480-6", Display: "Systolic blood pressure"}
	codingGlucose        = fhir.Coding{System: systemLOINC, Code: "2345-7", Display: "Glucose [Mass/volume] in Serum or Plasma"}
	codingKneeXray       = fhir.Coding{System: systemDocType, Code: "knee-xray-report", Display: "Knee X-ray report"}
)

// Resources resolves a resource type to its mapper. *fhir.Registry
// satisfies it.
type Resources interface {
	Lookup(resourceType string) (fhir.ResourceHandler, error)
}

// RuleWriter stores payer rule sets.
type RuleWriter interface {
	UpsertActive(ctx context.Context, req payer.UpsertRequest, correlationID string) (*payer.RuleSet, error)
}

// Workflow is the part of the preauthorization engine the sandbox drives.
type Workflow interface {
	CreateDraft(ctx context.Context, req preauth.DraftRequest, correlationID string) (*preauth.View, error)
	Submit(ctx context.Context, id uuid.UUID, correlationID string) (*preauth.SubmitResult, error)
}

type resource map[string]interface{}

// create writes one resource through its mapper and returns the new id.
func create(ctx context.Context, res Resources, body resource, correlationID string) (string, error) {
	resourceType, _ := body["resourceType"].(string)
	h, err := res.Lookup(resourceType)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", resourceType, err)
	}
	out, err := h.Create(ctx, raw, correlationID)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", resourceType, err)
	}
	id, _ := out["id"].(string)
	if id == "" {
		return "", fmt.Errorf("create %s: mapper returned no id", resourceType)
	}
	return id, nil
}

func reference(resourceType, id string) fhir.Reference {
	return fhir.Reference{Reference: fhir.FormatReference(resourceType, id)}
}

func concept(c fhir.Coding) fhir.CodeableConcept {
	return fhir.CodeableConcept{Coding: []fhir.Coding{c}}
}

func patientResource(mrn, family, given, birthDate string) resource {
	return resource{
		"resourceType": "Patient",
		"identifier":   []fhir.Identifier{{System: systemMRN, Value: mrn}},
		"name":         []fhir.HumanName{{Family: family, Given: []string{given}}},
		"birthDate":    birthDate,
	}
}

func practitionerResource(name string) resource {
	return resource{"resourceType": "Practitioner", "name": []fhir.HumanName{{Text: name}}}
}

func organizationResource(name string) resource {
	return resource{"resourceType": "Organization", "name": name}
}

// encounterResource leaves the period open when end is zero.
func encounterResource(patientID, status string, start, end time.Time) resource {
	period := map[string]string{"start": fhir.FormatDateTime(start)}
	if !end.IsZero() {
		period["end"] = fhir.FormatDateTime(end)
	}
	return resource{
		"resourceType": "Encounter",
		"status":       status,
		"subject":      reference("Patient", patientID),
		"period":       period,
	}
}

func conditionResource(patientID string, code fhir.Coding, onset time.Time) resource {
	return resource{
		"resourceType":   "Condition",
		"subject":        reference("Patient", patientID),
		"code":           concept(code),
		"clinicalStatus": concept(fhir.Coding{Code: "active"}),
		"onsetDate":      fhir.FormatDate(onset),
	}
}

type serviceOrder struct {
	patientID   string
	encounterID string
	code        fhir.Coding
	status      string
	priority    string
	authoredOn  time.Time
	reasons     []string
}

func (o serviceOrder) resource() resource {
	r := resource{
		"resourceType": "ServiceRequest",
		"subject":      reference("Patient", o.patientID),
		"code":         concept(o.code),
		"status":       o.status,
		"intent":       "order",
		"priority":     o.priority,
		"authoredOn":   fhir.FormatDateTime(o.authoredOn),
	}
	if o.encounterID != "" {
		r["encounter"] = reference("Encounter", o.encounterID)
	}
	if len(o.reasons) > 0 {
		refs := make([]fhir.Reference, 0, len(o.reasons))
		for _, id := range o.reasons {
			refs = append(refs, reference("Condition", id))
		}
		r["reasonReference"] = refs
	}
	return r
}

// vitalSigns and laboratory are the FHIR observation category codes.
const (
	vitalSigns = "vital-signs"
	laboratory = "laboratory"
)

func observationResource(patientID, encounterID, category string, code fhir.Coding, at time.Time, value float64, unit string) resource {
	return resource{
		"resourceType":      "Observation",
		"status":            "final",
		"category":          []fhir.CodeableConcept{concept(fhir.Coding{Code: category})},
		"code":              concept(code),
		"subject":           reference("Patient", patientID),
		"encounter":         reference("Encounter", encounterID),
		"effectiveDateTime": fhir.FormatDateTime(at),
		"valueQuantity":     map[string]interface{}{"value": value, "unit": unit},
	}
}

// stepID derives a per-step correlation id so that several creates of the
// same resource type under one caller id stay distinct.
func stepID(correlationID, step string) string {
	if correlationID == "" {
		return ""
	}
	return correlationID + ":" + step
}
