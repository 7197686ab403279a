package payer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// MemoryRepo is an in-process Repository that enforces the one active set
// per payer constraint.
type MemoryRepo struct {
	mu    sync.Mutex
	sets  map[uuid.UUID]*RuleSet
	order []uuid.UUID
	clock time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sets: make(map[uuid.UUID]*RuleSet)}
}

// tick returns strictly increasing timestamps so updated_time ordering is
// deterministic within a test.
func (m *MemoryRepo) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(m.clock) {
		now = m.clock.Add(time.Microsecond)
	}
	m.clock = now
	return now
}

func (m *MemoryRepo) activeLocked(payer string) *RuleSet {
	for _, rs := range m.sets {
		if rs.Payer == payer && rs.Status == StatusActive {
			return rs
		}
	}
	return nil
}

func (m *MemoryRepo) Create(_ context.Context, rs *RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs.Status == StatusActive && m.activeLocked(rs.Payer) != nil {
		return apperr.ErrDuplicate
	}
	if rs.ID == uuid.Nil {
		rs.ID = uuid.New()
	}
	now := m.tick()
	rs.Version = 1
	rs.CreatedTime, rs.UpdatedTime = now, now
	cp := *rs
	m.sets[rs.ID] = &cp
	m.order = append(m.order, rs.ID)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.sets[id]
	if !ok {
		return nil, apperr.NotFound("PayerRuleSet", id.String())
	}
	cp := *rs
	return &cp, nil
}

func (m *MemoryRepo) GetActive(_ context.Context, payer string) (*RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.activeLocked(payer)
	if rs == nil {
		return nil, nil
	}
	cp := *rs
	return &cp, nil
}

func (m *MemoryRepo) List(_ context.Context, payer string, limit int) ([]*RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RuleSet
	for _, id := range m.order {
		rs := m.sets[id]
		if payer != "" && rs.Payer != payer {
			continue
		}
		cp := *rs
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedTime.After(out[j].UpdatedTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepo) ArchiveActive(_ context.Context, payer string, provenanceID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rs := range m.sets {
		if rs.Payer == payer && rs.Status == StatusActive {
			rs.Status = StatusArchived
			rs.Version++
			rs.UpdatedTime = m.tick()
			p := provenanceID
			rs.UpdatedProvenanceID = &p
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) Activate(_ context.Context, id, provenanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.sets[id]
	if !ok {
		return apperr.NotFound("PayerRuleSet", id.String())
	}
	if cur := m.activeLocked(rs.Payer); cur != nil && cur.ID != id {
		return apperr.ErrDuplicate
	}
	rs.Status = StatusActive
	rs.Version++
	rs.UpdatedTime = m.tick()
	p := provenanceID
	rs.UpdatedProvenanceID = &p
	return nil
}
