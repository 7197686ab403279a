package documents

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/blobstore"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const (
	TableDocument = "som_document"
	TableBinary   = "som_binary"
)

// Document maps to som_document. The bytes live in a Binary referenced by
// BinaryID.
type Document struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patientId"`
	EncounterID   *uuid.UUID `json:"encounterId,omitempty"`
	Status        string     `json:"status"`
	TypeConceptID uuid.UUID  `json:"typeConceptId"`
	DateTime      *time.Time `json:"dateTime,omitempty"`
	Title         *string    `json:"title,omitempty"`
	Description   *string    `json:"description,omitempty"`
	BinaryID      *uuid.UUID `json:"binaryId,omitempty"`
	clinical.Record
}

func (d *Document) ToFHIR(typ *terminology.Concept) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "DocumentReference",
		"id":           d.ID.String(),
		"meta":         fhir.MetaMap(d.Version, d.UpdatedTime),
		"status":       d.Status,
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", d.PatientID.String())},
		"type":         terminology.ToCodeableConcept(typ),
	}
	if d.DateTime != nil {
		out["date"] = fhir.FormatDateTime(*d.DateTime)
	}
	if d.Description != nil {
		out["description"] = *d.Description
	}
	if d.EncounterID != nil {
		out["context"] = map[string]interface{}{
			"encounter": []fhir.Reference{{Reference: fhir.FormatReference("Encounter", d.EncounterID.String())}},
		}
	}
	if d.BinaryID != nil {
		att := fhir.Attachment{URL: fhir.FormatReference("Binary", d.BinaryID.String())}
		if d.Title != nil {
			att.Title = *d.Title
		}
		out["content"] = []map[string]interface{}{{"attachment": att}}
	}
	return out
}

// Resolved is the view of a document the workflow engine needs: its type
// code and the time it speaks for.
type Resolved struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	TypeConceptID uuid.UUID
	Code          string
	DateTime      *time.Time
	// EffectiveTime is DateTime, or the upload time when the document has
	// no date.
	EffectiveTime time.Time
	Title         *string
	BinaryID      *uuid.UUID
}

// DocumentFilter narrows SearchDocuments. Zero values do not filter.
type DocumentFilter struct {
	PatientID  *uuid.UUID
	CodeSystem string
	Code       string
	Limit      int
}

func binaryToFHIR(b *blobstore.Blob, withData bool) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "Binary",
		"id":           b.ID.String(),
		"meta":         fhir.MetaMap(b.Version, b.CreatedTime),
		"contentType":  b.ContentType,
	}
	if withData {
		out["data"] = b.Data
	}
	return out
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
