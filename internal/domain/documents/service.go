package documents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/blobstore"
	"github.com/ehr/preauth/internal/platform/fhir"
	"github.com/ehr/preauth/pkg/pagination"
)

// Records is the part of the clinical service documents depend on.
type Records interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*clinical.Patient, error)
	GetEncounter(ctx context.Context, id uuid.UUID) (*clinical.Encounter, error)
}

// Service stores document metadata and the binaries they point at.
type Service struct {
	repo    Repository
	blobs   blobstore.Store
	records Records
	terms   clinical.Terminology
	writer  *clinical.Writer
}

func NewService(repo Repository, blobs blobstore.Store, records Records, terms clinical.Terminology, writer *clinical.Writer) *Service {
	return &Service{repo: repo, blobs: blobs, records: records, terms: terms, writer: writer}
}

// Handlers returns the DocumentReference and Binary mappers.
func (s *Service) Handlers() []fhir.ResourceHandler {
	return []fhir.ResourceHandler{&DocumentReferenceMapper{s: s}, &BinaryMapper{s: s}}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.repo.GetDocument(ctx, id)
}

// Resolve loads a document together with its type code.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID) (*Resolved, error) {
	d, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := s.terms.Get(ctx, d.TypeConceptID)
	if err != nil {
		return nil, fmt.Errorf("load document type: %w", err)
	}
	r := &Resolved{
		ID:            d.ID,
		PatientID:     d.PatientID,
		TypeConceptID: d.TypeConceptID,
		Code:          c.Code,
		DateTime:      d.DateTime,
		EffectiveTime: d.CreatedTime,
		Title:         d.Title,
		BinaryID:      d.BinaryID,
	}
	if d.DateTime != nil {
		r.EffectiveTime = *d.DateTime
	}
	return r, nil
}

// DocumentReferenceMapper maps DocumentReference onto som_document.
type DocumentReferenceMapper struct {
	s *Service
}

func (m *DocumentReferenceMapper) ResourceType() string { return "DocumentReference" }

type documentBody struct {
	ResourceType string               `json:"resourceType"`
	Status       string               `json:"status"`
	Type         fhir.CodeableConcept `json:"type"`
	Subject      *fhir.Reference      `json:"subject"`
	Date         string               `json:"date"`
	Description  string               `json:"description"`
	Context      *struct {
		Encounter []fhir.Reference `json:"encounter"`
	} `json:"context"`
	Content []struct {
		Attachment fhir.Attachment `json:"attachment"`
	} `json:"content"`
}

func (m *DocumentReferenceMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	d := &Document{}
	var typ *terminology.Concept
	return m.s.writer.Create(ctx, clinical.CreateSpec{
		ResourceType:  "DocumentReference",
		SOMTable:      TableDocument,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in documentBody
			if err := json.Unmarshal(body, &in); err != nil {
				return apperr.Validation("invalid DocumentReference body: %v", err)
			}
			if in.ResourceType != "" && in.ResourceType != "DocumentReference" {
				return apperr.Validation("resourceType %s does not match DocumentReference", in.ResourceType)
			}
			if in.Subject == nil || in.Subject.Reference == "" {
				return apperr.Validation("DocumentReference.subject is required")
			}
			pid, err := refID("DocumentReference.subject", in.Subject.Reference, "Patient")
			if err != nil {
				return err
			}
			if _, err := m.s.records.GetPatient(ctx, pid); err != nil {
				return err
			}
			d.PatientID = pid
			if in.Context != nil && len(in.Context.Encounter) > 0 && in.Context.Encounter[0].Reference != "" {
				eid, err := refID("DocumentReference.context.encounter", in.Context.Encounter[0].Reference, "Encounter")
				if err != nil {
					return err
				}
				enc, err := m.s.records.GetEncounter(ctx, eid)
				if err != nil {
					return err
				}
				if enc.PatientID != pid {
					return apperr.Validation("Encounter.patient must match DocumentReference.patient")
				}
				d.EncounterID = &eid
			}
			d.Status = in.Status
			if d.Status == "" {
				d.Status = "current"
			}
			if typ, err = m.s.terms.NormalizeConcept(ctx, in.Type, correlationID); err != nil {
				return err
			}
			d.TypeConceptID = typ.ID
			if in.Date != "" {
				t, err := fhir.ParseDateTime(in.Date)
				if err != nil {
					return apperr.Validation("DocumentReference.date: %v", err)
				}
				d.DateTime = &t
			}
			d.Description = optString(in.Description)
			if len(in.Content) > 0 {
				att := in.Content[0].Attachment
				d.Title = optString(att.Title)
				if att.URL != "" {
					bid, err := refID("DocumentReference.content.attachment.url", att.URL, "Binary")
					if err != nil {
						return err
					}
					ok, err := m.s.blobs.Exists(ctx, bid)
					if err != nil {
						return err
					}
					if !ok {
						return apperr.NotFound("Binary", bid.String())
					}
					d.BinaryID = &bid
				}
			}
			if d.Title == nil {
				d.Title = d.Description
			}
			return nil
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			d.CreatedProvenanceID = provID
			if err := m.s.repo.CreateDocument(ctx, d); err != nil {
				return uuid.Nil, nil, err
			}
			return d.ID, d.ToFHIR(typ), nil
		},
	})
}

func (m *DocumentReferenceMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	did, err := clinical.ParseID(id)
	if err != nil {
		return nil, err
	}
	d, err := m.s.repo.GetDocument(ctx, did)
	if err != nil {
		return nil, err
	}
	return m.render(ctx, d)
}

// Search supports patient and type (system|code or code).
func (m *DocumentReferenceMapper) Search(ctx context.Context, params url.Values) ([]map[string]interface{}, error) {
	f := DocumentFilter{Limit: pagination.FromValues(params).Limit}
	if p := params.Get("patient"); p != "" {
		if i := strings.LastIndex(p, "/"); i >= 0 {
			p = p[i+1:]
		}
		id, err := clinical.ParseID(p)
		if err != nil {
			return nil, err
		}
		f.PatientID = &id
	}
	if t := params.Get("type"); t != "" {
		if system, code, ok := strings.Cut(t, "|"); ok {
			f.CodeSystem, f.Code = system, code
		} else {
			f.Code = t
		}
	}
	docs, err := m.s.repo.SearchDocuments(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		r, err := m.render(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *DocumentReferenceMapper) render(ctx context.Context, d *Document) (map[string]interface{}, error) {
	typ, err := m.s.terms.Get(ctx, d.TypeConceptID)
	if err != nil {
		return nil, fmt.Errorf("load document type: %w", err)
	}
	return d.ToFHIR(typ), nil
}

// BinaryMapper stores Binary uploads in the blob store. Created resources
// are echoed without their data.
type BinaryMapper struct {
	s *Service
}

func (m *BinaryMapper) ResourceType() string { return "Binary" }

func (m *BinaryMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	var in struct {
		ResourceType string `json:"resourceType"`
		ContentType  string `json:"contentType"`
		Data         string `json:"data"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apperr.Validation("invalid Binary body: %v", err)
	}
	if in.ResourceType != "" && in.ResourceType != "Binary" {
		return nil, apperr.Validation("resourceType %s does not match Binary", in.ResourceType)
	}
	if in.ContentType == "" {
		return nil, apperr.Validation("Binary.contentType is required")
	}
	data, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return nil, apperr.Validation("Binary.data must be base64")
	}

	// The payload can be large; the idempotency key carries its digest.
	var b *blobstore.Blob
	return m.s.writer.Create(ctx, clinical.CreateSpec{
		ResourceType:  "Binary",
		SOMTable:      TableBinary,
		CorrelationID: correlationID,
		Request:       map[string]string{"contentType": in.ContentType, "sha256": blobstore.Digest(data)},
		Prepare: func(ctx context.Context) error {
			b, err = blobstore.NewBlob(in.ContentType, data, uuid.Nil)
			return err
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			b.ProvenanceID = provID
			if err := m.s.blobs.Put(ctx, b); err != nil {
				return uuid.Nil, nil, err
			}
			return b.ID, binaryToFHIR(b, false), nil
		},
	})
}

func (m *BinaryMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	bid, err := clinical.ParseID(id)
	if err != nil {
		return nil, err
	}
	b, err := m.s.blobs.Get(ctx, bid)
	if err != nil {
		return nil, err
	}
	return binaryToFHIR(b, true), nil
}

func refID(field, ref, want string) (uuid.UUID, error) {
	rt, raw, err := fhir.ParseReference(ref)
	if err != nil {
		return uuid.Nil, apperr.Validation("%s: %v", field, err)
	}
	if rt != want {
		return uuid.Nil, apperr.Validation("%s must reference %s", field, want)
	}
	return clinical.ParseID(raw)
}
