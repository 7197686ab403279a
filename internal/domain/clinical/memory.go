package clinical

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
)

// ConceptGetter resolves concept ids for code filters.
type ConceptGetter interface {
	GetConcept(ctx context.Context, id uuid.UUID) (*terminology.Concept, error)
}

// MemoryRepo is an in-process Repository. Searches order like the Postgres
// repository: patients and conditions newest first, observations by
// effective time descending.
type MemoryRepo struct {
	mu            sync.Mutex
	concepts      ConceptGetter
	seq           int
	patients      map[uuid.UUID]*Patient
	practitioners map[uuid.UUID]*Practitioner
	organizations map[uuid.UUID]*Organization
	encounters    map[uuid.UUID]*Encounter
	conditions    map[uuid.UUID]*Condition
	requests      map[uuid.UUID]*ServiceRequest
	observations  map[uuid.UUID]*Observation
	obsVersions   map[uuid.UUID][]Observation
	order         map[uuid.UUID]int
}

func NewMemoryRepo(concepts ConceptGetter) *MemoryRepo {
	return &MemoryRepo{
		concepts:      concepts,
		patients:      make(map[uuid.UUID]*Patient),
		practitioners: make(map[uuid.UUID]*Practitioner),
		organizations: make(map[uuid.UUID]*Organization),
		encounters:    make(map[uuid.UUID]*Encounter),
		conditions:    make(map[uuid.UUID]*Condition),
		requests:      make(map[uuid.UUID]*ServiceRequest),
		observations:  make(map[uuid.UUID]*Observation),
		obsVersions:   make(map[uuid.UUID][]Observation),
		order:         make(map[uuid.UUID]int),
	}
}

// stamp fills the bookkeeping columns the database defaults.
func (m *MemoryRepo) stamp(id *uuid.UUID, r *Record) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	now := time.Now().UTC()
	r.Version = 1
	r.CreatedTime, r.UpdatedTime = now, now
	m.seq++
	m.order[*id] = m.seq
}

func (m *MemoryRepo) CreatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&p.ID, &p.Record)
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, apperr.NotFound("Patient", id.String())
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepo) SearchPatients(_ context.Context, f PatientFilter) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.patients {
		if f.IdentifierSystem != "" && deref(p.IdentifierSystem) != f.IdentifierSystem {
			continue
		}
		if f.IdentifierValue != "" && deref(p.IdentifierValue) != f.IdentifierValue {
			continue
		}
		if f.Name != "" && !containsFold(deref(p.NameFamily), f.Name) && !containsFold(deref(p.NameGiven), f.Name) {
			continue
		}
		if f.BirthDate != nil && (p.BirthDate == nil || !p.BirthDate.Equal(*f.BirthDate)) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return m.order[out[a].ID] > m.order[out[b].ID] })
	return limit(out, f.Limit), nil
}

func (m *MemoryRepo) CreatePractitioner(_ context.Context, p *Practitioner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&p.ID, &p.Record)
	cp := *p
	m.practitioners[p.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetPractitioner(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.practitioners[id]
	if !ok {
		return nil, apperr.NotFound("Practitioner", id.String())
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepo) CreateOrganization(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&o.ID, &o.Record)
	cp := *o
	m.organizations[o.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetOrganization(_ context.Context, id uuid.UUID) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.organizations[id]
	if !ok {
		return nil, apperr.NotFound("Organization", id.String())
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryRepo) CreateEncounter(_ context.Context, e *Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&e.ID, &e.Record)
	cp := *e
	m.encounters[e.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetEncounter(_ context.Context, id uuid.UUID) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.encounters[id]
	if !ok {
		return nil, apperr.NotFound("Encounter", id.String())
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryRepo) CreateCondition(_ context.Context, c *Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&c.ID, &c.Record)
	cp := *c
	m.conditions[c.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetCondition(_ context.Context, id uuid.UUID) (*Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conditions[id]
	if !ok {
		return nil, apperr.NotFound("Condition", id.String())
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepo) SearchConditions(ctx context.Context, f ConditionFilter) ([]*Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Condition
	for _, c := range m.conditions {
		if f.PatientID != nil && c.PatientID != *f.PatientID {
			continue
		}
		if !m.codeMatches(ctx, c.CodeConceptID, f.CodeSystem, f.Code) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return m.order[out[a].ID] > m.order[out[b].ID] })
	return limit(out, f.Limit), nil
}

func (m *MemoryRepo) CreateServiceRequest(_ context.Context, s *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&s.ID, &s.Record)
	cp := *s
	cp.ReasonConditionIDs = append([]uuid.UUID(nil), s.ReasonConditionIDs...)
	m.requests[s.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetServiceRequest(_ context.Context, id uuid.UUID) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("ServiceRequest", id.String())
	}
	cp := *s
	cp.ReasonConditionIDs = append([]uuid.UUID(nil), s.ReasonConditionIDs...)
	return &cp, nil
}

func (m *MemoryRepo) CreateObservation(_ context.Context, o *Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.observations[o.ID]; ok && o.ID != uuid.Nil {
		return apperr.ErrDuplicate
	}
	m.stamp(&o.ID, &o.Record)
	cp := *o
	m.observations[o.ID] = &cp
	m.obsVersions[o.ID] = append(m.obsVersions[o.ID], cp)
	return nil
}

func (m *MemoryRepo) GetObservation(_ context.Context, id uuid.UUID) (*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.observations[id]
	if !ok {
		return nil, apperr.NotFound("Observation", id.String())
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryRepo) UpdateObservation(_ context.Context, o *Observation, provenanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.observations[o.ID]
	if !ok {
		return apperr.NotFound("Observation", o.ID.String())
	}
	if cur.Version != o.Version {
		return apperr.Validation("Observation %s was modified concurrently", o.ID)
	}
	o.Version++
	o.UpdatedTime = time.Now().UTC()
	o.UpdatedProvenanceID = &provenanceID
	cp := *o
	m.observations[o.ID] = &cp
	m.obsVersions[o.ID] = append(m.obsVersions[o.ID], cp)
	return nil
}

func (m *MemoryRepo) ListObservationVersions(_ context.Context, id uuid.UUID) ([]*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.observations[id]; !ok {
		return nil, apperr.NotFound("Observation", id.String())
	}
	var out []*Observation
	for i := range m.obsVersions[id] {
		v := m.obsVersions[id][i]
		out = append(out, &v)
	}
	return out, nil
}

func (m *MemoryRepo) SearchObservations(ctx context.Context, f ObservationFilter) ([]*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Observation
	for _, o := range m.observations {
		switch {
		case f.PatientID != nil && o.PatientID != *f.PatientID,
			f.EncounterID != nil && (o.EncounterID == nil || *o.EncounterID != *f.EncounterID),
			f.Category != "" && deref(o.Category) != f.Category,
			f.EffectiveFrom != nil && o.EffectiveTime.Before(*f.EffectiveFrom),
			f.EffectiveTo != nil && o.EffectiveTime.After(*f.EffectiveTo),
			!f.IncludeEnteredInError && o.Status == StatusEnteredInError,
			!m.codeMatches(ctx, o.CodeConceptID, f.CodeSystem, f.Code):
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EffectiveTime.After(out[b].EffectiveTime) })
	return limit(out, f.Limit), nil
}

func (m *MemoryRepo) codeMatches(ctx context.Context, conceptID uuid.UUID, system, code string) bool {
	if code == "" {
		return true
	}
	if m.concepts == nil {
		return false
	}
	c, err := m.concepts.GetConcept(ctx, conceptID)
	if err != nil {
		return false
	}
	return c.Code == code && (system == "" || c.System == system)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func limit[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
