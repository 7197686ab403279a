package provenance

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/fhir"
)

// Provenance maps to the som_provenance table: who did what, when, from
// which source system, and optionally to which resource row.
type Provenance struct {
	ID                 uuid.UUID              `db:"id" json:"id"`
	SourceSystem       string                 `db:"source_system" json:"sourceSystem"`
	RecordedTime       time.Time              `db:"recorded_time" json:"recordedTime"`
	Activity           string                 `db:"activity" json:"activity"`
	Author             *string                `db:"author" json:"author,omitempty"`
	OriginalRecordRef  *string                `db:"original_record_ref" json:"originalRecordRef,omitempty"`
	CorrelationID      *string                `db:"correlation_id" json:"correlationId,omitempty"`
	TargetResourceType *string                `db:"target_resource_type" json:"targetResourceType,omitempty"`
	TargetResourceID   *uuid.UUID             `db:"target_resource_id" json:"targetResourceId,omitempty"`
	TargetSOMTable     *string                `db:"target_som_table" json:"targetSomTable,omitempty"`
	TargetSOMID        *uuid.UUID             `db:"target_som_id" json:"targetSomId,omitempty"`
	Extensions         map[string]interface{} `db:"extensions" json:"extensions,omitempty"`
}

// Target points a provenance record at the resource it describes.
type Target struct {
	ResourceType string
	ResourceID   uuid.UUID
	SOMTable     string
	SOMID        uuid.UUID
}

func (p *Provenance) applyTarget(t Target) {
	p.TargetResourceType = optString(t.ResourceType)
	p.TargetSOMTable = optString(t.SOMTable)
	if t.ResourceID != uuid.Nil {
		id := t.ResourceID
		p.TargetResourceID = &id
	}
	if t.SOMID != uuid.Nil {
		id := t.SOMID
		p.TargetSOMID = &id
	}
}

func (p *Provenance) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Provenance",
		"id":           p.ID.String(),
		"recorded":     p.RecordedTime.UTC().Format(time.RFC3339),
		"activity": fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: p.Activity}},
			Text:   p.Activity,
		},
		"meta": fhir.Meta{LastUpdated: p.RecordedTime, Source: p.SourceSystem},
	}
	if p.TargetResourceType != nil && p.TargetResourceID != nil {
		result["target"] = []fhir.Reference{{
			Reference: fhir.FormatReference(*p.TargetResourceType, p.TargetResourceID.String()),
		}}
	}
	who := "system"
	if p.Author != nil {
		who = *p.Author
	}
	result["agent"] = []map[string]interface{}{{"who": map[string]string{"display": who}}}
	if p.CorrelationID != nil {
		result["extension"] = []map[string]string{{
			"url":         "urn:sample-app:correlation-id",
			"valueString": *p.CorrelationID,
		}}
	}
	return result
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
