package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// Reporter lets a running worker publish progress. Progress never goes
// backwards; lower values are raised to the last reported one.
type Reporter interface {
	Progress(ctx context.Context, pct int, message string) error
}

// Worker implements one job type.
type Worker interface {
	Type() string
	// Validate checks parameters at creation time and returns them with
	// defaults applied.
	Validate(params json.RawMessage) (json.RawMessage, error)
	// Run performs the work and returns the job outputs. Run must be safe
	// to call again for the same job after a crash.
	Run(ctx context.Context, j *Job, r Reporter) (interface{}, error)
}

// Registry maps job types to workers. Workers are registered once at
// startup; unknown types are rejected at creation.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry(workers ...Worker) (*Registry, error) {
	r := &Registry{workers: make(map[string]Worker)}
	if err := r.Register(workers...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Register(workers ...Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range workers {
		if _, dup := r.workers[w.Type()]; dup {
			return fmt.Errorf("job worker %q registered twice", w.Type())
		}
		r.workers[w.Type()] = w
	}
	return nil
}

func (r *Registry) Lookup(jobType string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[jobType]
	if !ok {
		return nil, apperr.Validation("Unknown job type: %s", jobType)
	}
	return w, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for t := range r.workers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
