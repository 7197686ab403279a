package documents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/platform/apperr"
)

// MemoryRepo is an in-process Repository.
type MemoryRepo struct {
	mu       sync.Mutex
	concepts clinical.ConceptGetter
	docs     map[uuid.UUID]*Document
}

func NewMemoryRepo(concepts clinical.ConceptGetter) *MemoryRepo {
	return &MemoryRepo{concepts: concepts, docs: make(map[uuid.UUID]*Document)}
}

func (m *MemoryRepo) CreateDocument(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.Version = 1
	d.CreatedTime, d.UpdatedTime = now, now
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetDocument(_ context.Context, id uuid.UUID) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, apperr.NotFound("DocumentReference", id.String())
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepo) SearchDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Document
	for _, d := range m.docs {
		if f.PatientID != nil && d.PatientID != *f.PatientID {
			continue
		}
		if f.Code != "" {
			c, err := m.concepts.GetConcept(ctx, d.TypeConceptID)
			if err != nil || c.Code != f.Code || (f.CodeSystem != "" && c.System != f.CodeSystem) {
				continue
			}
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return effective(out[a]).After(effective(out[b])) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SetDateTime backdates a stored document.
func (m *MemoryRepo) SetDateTime(id uuid.UUID, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[id]; ok {
		d.DateTime = &t
	}
}

func effective(d *Document) time.Time {
	if d.DateTime != nil {
		return *d.DateTime
	}
	return d.CreatedTime
}
