package preauth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ehr/preauth/internal/domain/auditevent"
)

const SnapshotSchemaVersion = "1"

type idRef struct {
	ID string `json:"id"`
}

type snapshotRequest struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Priority string  `json:"priority"`
	Payer    *string `json:"payer"`
}

type snapshotObservation struct {
	ID            string `json:"id"`
	CodeConceptID string `json:"codeConceptId"`
	EffectiveTime string `json:"effectiveTime"`
	Status        string `json:"status"`
}

type snapshotDocument struct {
	ID            string  `json:"id"`
	TypeConceptID string  `json:"typeConceptId"`
	DateTime      *string `json:"dateTime"`
	Title         *string `json:"title"`
	BinaryID      *string `json:"binaryId"`
	Role          string  `json:"role"`
}

// PackageBody is the content of a package snapshot. Optional references
// serialize as null so the shape never varies.
type PackageBody struct {
	SchemaVersion          string                `json:"schemaVersion"`
	PreAuthRequest         snapshotRequest       `json:"preAuthRequest"`
	Patient                idRef                 `json:"patient"`
	Encounter              *idRef                `json:"encounter"`
	Practitioner           idRef                 `json:"practitioner"`
	Organization           *idRef                `json:"organization"`
	DiagnosisCondition     idRef                 `json:"diagnosisCondition"`
	ServiceRequest         idRef                 `json:"serviceRequest"`
	SupportingObservations []snapshotObservation `json:"supportingObservations"`
	SupportingDocuments    []snapshotDocument    `json:"supportingDocuments"`
}

// Checksum hashes the canonical JSON of the body.
func (b *PackageBody) Checksum() (string, []byte, error) {
	raw, err := auditevent.Canonical(b)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}

// VerifySnapshot recomputes the checksum of a stored snapshot body.
func VerifySnapshot(s *Snapshot) (bool, error) {
	var generic interface{}
	if err := json.Unmarshal(s.Body, &generic); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	raw, err := auditevent.Canonical(generic)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == s.Checksum, nil
}

func newPackageBody(r *Request) *PackageBody {
	b := &PackageBody{
		SchemaVersion: SnapshotSchemaVersion,
		PreAuthRequest: snapshotRequest{
			ID:       r.ID.String(),
			Status:   r.Status,
			Priority: r.Priority,
			Payer:    r.Payer,
		},
		Patient:                idRef{ID: r.PatientID.String()},
		Practitioner:           idRef{ID: r.PractitionerID.String()},
		DiagnosisCondition:     idRef{ID: r.DiagnosisConditionID.String()},
		ServiceRequest:         idRef{ID: r.ServiceRequestID.String()},
		SupportingObservations: []snapshotObservation{},
		SupportingDocuments:    []snapshotDocument{},
	}
	if r.EncounterID != nil {
		b.Encounter = &idRef{ID: r.EncounterID.String()}
	}
	if r.OrganizationID != nil {
		b.Organization = &idRef{ID: r.OrganizationID.String()}
	}
	return b
}
