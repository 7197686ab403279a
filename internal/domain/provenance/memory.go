package provenance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// MemoryRepo is an in-process Repository used by the inline runner's
// tests and by packages that exercise services without Postgres.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Provenance
	order   []uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[uuid.UUID]*Provenance)}
}

func (m *MemoryRepo) Create(_ context.Context, p *Provenance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.RecordedTime = time.Now().UTC()
	cp := *p
	m.records[p.ID] = &cp
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryRepo) SetTarget(_ context.Context, id uuid.UUID, t Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return apperr.NotFound("Provenance", id.String())
	}
	p.applyTarget(t)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Provenance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("Provenance", id.String())
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepo) ListByTarget(_ context.Context, resourceType string, resourceID uuid.UUID, limit int) ([]*Provenance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Provenance
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.records[m.order[i]]
		if p.TargetResourceType != nil && *p.TargetResourceType == resourceType &&
			p.TargetResourceID != nil && *p.TargetResourceID == resourceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedTime.After(out[j].RecordedTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Activities returns every recorded activity in insertion order.
func (m *MemoryRepo) Activities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].Activity)
	}
	return out
}

// Len reports how many provenance records exist.
func (m *MemoryRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
