package provenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const listLimit = 200

// Entry describes one change to record.
type Entry struct {
	Activity          string
	Author            string
	CorrelationID     string
	OriginalRecordRef string
	SourceSystem      string
	Target            *Target
}

// Recorder writes provenance records. Every mutation in the system records
// exactly one provenance row through it.
type Recorder struct {
	repo         Repository
	sourceSystem string
}

func NewRecorder(repo Repository, defaultSourceSystem string) *Recorder {
	return &Recorder{repo: repo, sourceSystem: defaultSourceSystem}
}

// Record creates a provenance record and returns its id.
func (r *Recorder) Record(ctx context.Context, e Entry) (uuid.UUID, error) {
	if e.Activity == "" {
		return uuid.Nil, fmt.Errorf("provenance activity is required")
	}
	p := &Provenance{
		SourceSystem:      r.sourceSystem,
		Activity:          e.Activity,
		Author:            optString(e.Author),
		CorrelationID:     optString(e.CorrelationID),
		OriginalRecordRef: optString(e.OriginalRecordRef),
	}
	if e.SourceSystem != "" {
		p.SourceSystem = e.SourceSystem
	}
	if e.Target != nil {
		p.applyTarget(*e.Target)
	}
	if err := r.repo.Create(ctx, p); err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

// SetTarget attaches the target once the described row has been inserted.
func (r *Recorder) SetTarget(ctx context.Context, id uuid.UUID, t Target) error {
	return r.repo.SetTarget(ctx, id, t)
}

func (r *Recorder) Get(ctx context.Context, id uuid.UUID) (*Provenance, error) {
	return r.repo.GetByID(ctx, id)
}

// ListByTarget accepts a "Type/id" reference.
func (r *Recorder) ListByTarget(ctx context.Context, target string) ([]*Provenance, error) {
	resourceType, rawID, err := fhir.ParseReference(target)
	if err != nil {
		return nil, apperr.Validation("target must be Type/id: %v", err)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, apperr.Validation("target id must be a UUID")
	}
	return r.repo.ListByTarget(ctx, strings.TrimSpace(resourceType), id, listLimit)
}
