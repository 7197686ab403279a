package preauth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

// MemoryRepo is an in-process Repository. It enforces the same uniqueness
// and compare-and-swap rules as the Postgres tables.
type MemoryRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*Request
	history   []*StatusChange
	snapshots []*Snapshot
	links     []*DocumentLink
	decisions []*Decision
	clock     time.Time
	rowLocks  map[uuid.UUID]chan struct{}
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{requests: make(map[uuid.UUID]*Request)}
}

// tick returns strictly increasing timestamps so time ordering is
// deterministic within a test.
func (m *MemoryRepo) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(m.clock) {
		now = m.clock.Add(time.Microsecond)
	}
	m.clock = now
	return now
}

func copyRequest(r *Request) *Request {
	cp := *r
	cp.Extensions = make(map[string]interface{}, len(r.Extensions))
	for k, v := range r.Extensions {
		cp.Extensions[k] = v
	}
	return &cp
}

func (m *MemoryRepo) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := m.tick()
	r.Version = 1
	r.CreatedTime, r.UpdatedTime = now, now
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("PreAuthRequest", id.String())
	}
	return copyRequest(r), nil
}

// GetForUpdate holds a per-request lock until the unit of work in ctx ends.
// It is not reentrant.
func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	if m.rowLocks == nil {
		m.rowLocks = make(map[uuid.UUID]chan struct{})
	}
	l, ok := m.rowLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.rowLocks[id] = l
	}
	m.mu.Unlock()

	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r, err := m.GetByID(ctx, id)
	if err != nil {
		<-l
		return nil, err
	}
	db.OnTxEnd(ctx, func() { <-l })
	return r, nil
}

func (m *MemoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, from string, version int, to string, provenanceID uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != from || r.Version != version {
		return nil, ErrStale
	}
	r.Status = to
	r.Version++
	r.UpdatedTime = m.tick()
	pid := provenanceID
	r.UpdatedProvenanceID = &pid
	return copyRequest(r), nil
}

func (m *MemoryRepo) sorted(keep func(*Request) bool, less func(a, b *Request) bool) []*Request {
	var out []*Request
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, copyRequest(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *MemoryRepo) Search(_ context.Context, f Filter) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(r *Request) bool {
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			return false
		}
		if f.Status != "" && r.Status != f.Status {
			return false
		}
		if f.Payer != "" && deref(r.Payer) != f.Payer {
			return false
		}
		return true
	}, func(a, b *Request) bool { return a.UpdatedTime.After(b.UpdatedTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepo) ListInFlight(_ context.Context, before time.Time, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(r *Request) bool {
		return InFlight(r.Status) && r.UpdatedTime.Before(before)
	}, func(a, b *Request) bool { return a.UpdatedTime.Before(b.UpdatedTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepo) AppendStatus(_ context.Context, c *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.ChangedTime = m.tick()
	cp := *c
	m.history = append(m.history, &cp)
	return nil
}

func (m *MemoryRepo) ListStatus(_ context.Context, preAuthID uuid.UUID) ([]*StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusChange
	for _, c := range m.history {
		if c.PreAuthID == preAuthID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) StatusChangeForJob(_ context.Context, preAuthID, jobID uuid.UUID, to string) (*StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		c := m.history[i]
		if c.PreAuthID == preAuthID && c.JobID != nil && *c.JobID == jobID && c.ToStatus == to {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepo) CreateSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedTime = m.tick()
	cp := *s
	m.snapshots = append(m.snapshots, &cp)
	return nil
}

func (m *MemoryRepo) LatestSnapshot(_ context.Context, preAuthID uuid.UUID) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if s := m.snapshots[i]; s.PreAuthID == preAuthID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// SnapshotCount returns how many snapshots were taken for a request.
func (m *MemoryRepo) SnapshotCount(preAuthID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.snapshots {
		if s.PreAuthID == preAuthID {
			n++
		}
	}
	return n
}

func (m *MemoryRepo) findLinkLocked(preAuthID, documentID uuid.UUID, role string) *DocumentLink {
	for _, l := range m.links {
		if l.PreAuthID == preAuthID && l.DocumentID == documentID && l.Role == role {
			return l
		}
	}
	return nil
}

func (m *MemoryRepo) AttachDocument(_ context.Context, l *DocumentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLinkLocked(l.PreAuthID, l.DocumentID, l.Role) != nil {
		return apperr.ErrDuplicate
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.AddedTime = m.tick()
	cp := *l
	m.links = append(m.links, &cp)
	return nil
}

func (m *MemoryRepo) FindDocumentLink(_ context.Context, preAuthID, documentID uuid.UUID, role string) (*DocumentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.findLinkLocked(preAuthID, documentID, role); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryRepo) ListDocumentLinks(_ context.Context, preAuthID uuid.UUID) ([]*DocumentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DocumentLink
	for _, l := range m.links {
		if l.PreAuthID == preAuthID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) CreateDecision(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.JobID != nil {
		for _, x := range m.decisions {
			if x.JobID != nil && *x.JobID == *d.JobID {
				return apperr.ErrDuplicate
			}
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.DecidedTime = m.tick()
	cp := *d
	m.decisions = append(m.decisions, &cp)
	return nil
}

func (m *MemoryRepo) LatestDecision(_ context.Context, preAuthID uuid.UUID) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.decisions) - 1; i >= 0; i-- {
		if d := m.decisions[i]; d.PreAuthID == preAuthID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepo) DecisionForJob(_ context.Context, jobID uuid.UUID) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions {
		if d.JobID != nil && *d.JobID == jobID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

// DecisionCount returns how many decisions were recorded for a request.
func (m *MemoryRepo) DecisionCount(preAuthID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.decisions {
		if d.PreAuthID == preAuthID {
			n++
		}
	}
	return n
}
