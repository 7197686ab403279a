package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// MemoryRepo is an in-process Repository.
type MemoryRepo struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*Job
	order []uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[uuid.UUID]*Job)}
}

func (m *MemoryRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedTime, j.UpdatedTime = now, now
	cp := *j
	m.jobs[j.ID] = &cp
	m.order = append(m.order, j.ID)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("Job", id.String())
	}
	cp := *j
	return &cp, nil
}

// newest returns jobs in reverse insertion order.
func (m *MemoryRepo) newest() []*Job {
	out := make([]*Job, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.jobs[m.order[i]])
	}
	return out
}

func (m *MemoryRepo) List(_ context.Context, status string, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.newest() {
		if status != "" && j.Status != status {
			continue
		}
		if len(out) == limit {
			break
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepo) FindActive(_ context.Context, jobType, key, value string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.newest() {
		if j.Type != jobType || !j.Active() {
			continue
		}
		var params map[string]interface{}
		if err := json.Unmarshal(j.Parameters, &params); err != nil {
			continue
		}
		if v, ok := params[key].(string); ok && v == value {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepo) update(id uuid.UUID, fn func(j *Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperr.NotFound("Job", id.String())
	}
	fn(j)
	j.UpdatedTime = time.Now().UTC()
	return nil
}

func (m *MemoryRepo) SetRunnerHandle(_ context.Context, id uuid.UUID, handle string) error {
	return m.update(id, func(j *Job) { j.RunnerHandle = &handle })
}

func (m *MemoryRepo) MarkRunning(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(j *Job) {
		if j.Active() {
			j.Status = StatusRunning
		}
	})
}

func (m *MemoryRepo) UpdateProgress(_ context.Context, id uuid.UUID, progress int, message string) error {
	return m.update(id, func(j *Job) {
		if j.Status != StatusRunning {
			return
		}
		if progress > j.Progress {
			j.Progress = progress
		}
		j.Message = &message
	})
}

func (m *MemoryRepo) Finish(_ context.Context, id uuid.UUID, status string, message string, errText *string, outputs json.RawMessage) error {
	return m.update(id, func(j *Job) {
		if !j.Active() {
			return
		}
		j.Status = status
		if status == StatusSucceeded {
			j.Progress = 100
		}
		j.Message = &message
		j.Error = errText
		if len(outputs) > 0 {
			j.Outputs = outputs
		}
	})
}
