package preauth

import (
	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const (
	claimTypeSystem = "http://terminology.hl7.org/CodeSystem/claim-type"
	prioritySystem  = "http://terminology.hl7.org/CodeSystem/processpriority"
	infoCatSystem   = "http://terminology.hl7.org/CodeSystem/claiminformationcategory"
	adjReasonSystem = "urn:sample-app:payer-reason"
)

func ref(resourceType, id string) fhir.Reference {
	return fhir.Reference{Reference: fhir.FormatReference(resourceType, id)}
}

func claimStatus(status string) string {
	if status == StatusDraft {
		return "draft"
	}
	return "active"
}

// ToClaim renders the request as a Claim with use=preauthorization.
func (v *View) ToClaim() map[string]interface{} {
	priority := "normal"
	if v.Priority == PriorityUrgent {
		priority = "stat"
	}
	out := map[string]interface{}{
		"resourceType": "Claim",
		"id":           v.ID.String(),
		"meta":         fhir.MetaMap(v.Version, v.UpdatedTime),
		"status":       claimStatus(v.Status),
		"use":          "preauthorization",
		"type":         fhir.CodeableConcept{Coding: []fhir.Coding{{System: claimTypeSystem, Code: "professional"}}},
		"patient":      ref("Patient", v.PatientID.String()),
		"created":      fhir.FormatDateTime(v.CreatedTime),
		"provider":     ref("Practitioner", v.PractitionerID.String()),
		"priority":     fhir.CodeableConcept{Coding: []fhir.Coding{{System: prioritySystem, Code: priority}}},
		"referral":     ref("ServiceRequest", v.ServiceRequestID.String()),
		"diagnosis": []map[string]interface{}{{
			"sequence":           1,
			"diagnosisReference": ref("Condition", v.DiagnosisConditionID.String()),
		}},
		"extension": []map[string]interface{}{{
			"url":       "urn:sample-app:preauth-status",
			"valueCode": v.Status,
		}},
	}
	if v.Payer != nil {
		out["insurer"] = fhir.Reference{Display: *v.Payer}
	}
	if v.OrganizationID != nil {
		out["payee"] = map[string]interface{}{
			"type":  fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "provider"}}},
			"party": ref("Organization", v.OrganizationID.String()),
		}
	}
	item := map[string]interface{}{"sequence": 1, "diagnosisSequence": []int{1}}
	if v.EncounterID != nil {
		item["encounter"] = []fhir.Reference{ref("Encounter", v.EncounterID.String())}
	}
	out["item"] = []map[string]interface{}{item}

	var info []map[string]interface{}
	seq := 1
	for _, id := range v.SupportingObservationIDs {
		info = append(info, supportingInfo(seq, "info", ref("Observation", id)))
		seq++
	}
	for _, id := range v.SupportingDocumentIDs {
		info = append(info, supportingInfo(seq, "attachment", ref("DocumentReference", id.String())))
		seq++
	}
	if len(info) > 0 {
		out["supportingInfo"] = info
	}
	return out
}

func supportingInfo(seq int, category string, value fhir.Reference) map[string]interface{} {
	return map[string]interface{}{
		"sequence":       seq,
		"category":       fhir.CodeableConcept{Coding: []fhir.Coding{{System: infoCatSystem, Code: category}}},
		"valueReference": value,
	}
}

// ToClaimResponse renders a decision on the request as a ClaimResponse.
func (d *Decision) ToClaimResponse(v *View) map[string]interface{} {
	outcome := "complete"
	if d.Outcome == payer.OutcomePendingInfo {
		outcome = "partial"
	}
	reasons := make([]fhir.Coding, 0, len(d.ReasonCodes))
	for _, rc := range d.ReasonCodes {
		reasons = append(reasons, fhir.Coding{System: adjReasonSystem, Code: rc.Code, Display: rc.Display})
	}
	out := map[string]interface{}{
		"resourceType": "ClaimResponse",
		"id":           d.ID.String(),
		"status":       "active",
		"use":          "preauthorization",
		"type":         fhir.CodeableConcept{Coding: []fhir.Coding{{System: claimTypeSystem, Code: "professional"}}},
		"patient":      ref("Patient", v.PatientID.String()),
		"created":      fhir.FormatDateTime(d.DecidedTime),
		"request":      ref("Claim", v.ID.String()),
		"outcome":      outcome,
		"preAuthRef":   v.ID.String(),
		"item": []map[string]interface{}{{
			"itemSequence": 1,
			"adjudication": []map[string]interface{}{{
				"category": fhir.CodeableConcept{Coding: []fhir.Coding{{Code: d.Outcome}}},
				"reason":   fhir.CodeableConcept{Coding: reasons},
			}},
		}},
	}
	if v.Payer != nil {
		out["insurer"] = fhir.Reference{Display: *v.Payer}
	}
	if d.Rationale != nil {
		out["disposition"] = *d.Rationale
	}
	if len(d.RequestedAdditionalInfo) > 0 {
		notes := make([]map[string]interface{}, 0, len(d.RequestedAdditionalInfo))
		for i, req := range d.RequestedAdditionalInfo {
			notes = append(notes, map[string]interface{}{
				"number": i + 1,
				"type":   "display",
				"text":   req.Display,
			})
		}
		out["processNote"] = notes
	}
	return out
}
