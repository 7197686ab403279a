package auditevent

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository. Events keep insertion order;
// FindLatest compares request payloads in canonical form like the
// Postgres jsonb equality does.
type MemoryRepo struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (m *MemoryRepo) Create(_ context.Context, e *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.RecordedTime = time.Now().UTC()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryRepo) FindLatest(_ context.Context, correlationID, operation, resourceType string, request []byte) (*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !eq(e.CorrelationID, correlationID) || e.Operation != operation || !eq(e.ResourceType, resourceType) {
			continue
		}
		if request != nil {
			stored, err := Canonical(e.RequestPayload)
			if err != nil || !bytes.Equal(stored, request) {
				continue
			}
		}
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryRepo) Search(_ context.Context, correlationID, resourceType string, resourceID *uuid.UUID, limit int) ([]*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if correlationID != "" && !eq(e.CorrelationID, correlationID) {
			continue
		}
		if resourceType != "" && !eq(e.ResourceType, resourceType) {
			continue
		}
		if resourceID != nil && (e.ResourceID == nil || *e.ResourceID != *resourceID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Count returns how many events match operation and resource type.
func (m *MemoryRepo) Count(operation, resourceType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Operation == operation && eq(e.ResourceType, resourceType) {
			n++
		}
	}
	return n
}

func eq(p *string, s string) bool {
	return p != nil && *p == s
}
