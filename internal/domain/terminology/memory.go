package terminology

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// MemoryRepo is an in-process Repository with the same uniqueness rules as
// the Postgres schema.
type MemoryRepo struct {
	mu       sync.Mutex
	systems  map[string]*CodeSystem
	concepts map[uuid.UUID]*Concept
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		systems:  make(map[string]*CodeSystem),
		concepts: make(map[uuid.UUID]*Concept),
	}
}

func (m *MemoryRepo) GetSystemByURI(_ context.Context, uri string) (*CodeSystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.systems[uri]
	if !ok {
		return nil, apperr.NotFound("CodeSystem", uri)
	}
	cp := *cs
	return &cp, nil
}

func (m *MemoryRepo) CreateSystem(_ context.Context, cs *CodeSystem, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.systems[cs.SystemURI]; ok {
		return apperr.ErrDuplicate
	}
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	cs.CreatedTime = time.Now().UTC()
	cp := *cs
	m.systems[cs.SystemURI] = &cp
	return nil
}

func (m *MemoryRepo) SetDefaultVersion(_ context.Context, id uuid.UUID, version string, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range m.systems {
		if cs.ID == id && cs.DefaultVersion == nil {
			v := version
			cs.DefaultVersion = &v
		}
	}
	return nil
}

func (m *MemoryRepo) FindConcept(_ context.Context, codeSystemID uuid.UUID, code string, version *string) (*Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.concepts {
		if c.CodeSystemID == codeSystemID && c.Code == code && versionEq(c.VersionString, version) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("Concept", code)
}

func (m *MemoryRepo) CreateConcept(_ context.Context, c *Concept, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.concepts {
		if existing.CodeSystemID == c.CodeSystemID && existing.Code == c.Code && versionEq(existing.VersionString, c.VersionString) {
			return apperr.ErrDuplicate
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.concepts[c.ID] = &cp
	return nil
}

func (m *MemoryRepo) SetDisplay(_ context.Context, id uuid.UUID, display string, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.concepts[id]; ok && c.Display == nil {
		d := display
		c.Display = &d
	}
	return nil
}

func (m *MemoryRepo) GetConcept(_ context.Context, id uuid.UUID) (*Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.concepts[id]
	if !ok {
		return nil, apperr.NotFound("Concept", id.String())
	}
	cp := *c
	return &cp, nil
}

// FindByCode looks a concept up by system URI and code, any version.
func (m *MemoryRepo) FindByCode(system, code string) (*Concept, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.concepts {
		if c.System == system && c.Code == code {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

func versionEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
