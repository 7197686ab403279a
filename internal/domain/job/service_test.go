package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

// stubWorker reports a fixed progress sequence and returns the parameters
// back as outputs.
type stubWorker struct {
	steps []int
	fail  error
	runs  int
}

func (w *stubWorker) Type() string { return "stub" }

func (w *stubWorker) Validate(params json.RawMessage) (json.RawMessage, error) {
	var p map[string]interface{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.Validation("parameters must be an object")
	}
	if _, ok := p["n"]; !ok {
		p["n"] = 1
	}
	return json.Marshal(p)
}

func (w *stubWorker) Run(ctx context.Context, j *Job, r Reporter) (interface{}, error) {
	w.runs++
	for _, s := range w.steps {
		if err := r.Progress(ctx, s, "step"); err != nil {
			return nil, err
		}
	}
	if w.fail != nil {
		return nil, w.fail
	}
	return map[string]interface{}{"echo": j.Parameters}, nil
}

type fixture struct {
	svc    *Service
	repo   *MemoryRepo
	prov   *provenance.MemoryRepo
	audit  *auditevent.MemoryRepo
	worker *stubWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := &stubWorker{}
	reg, err := NewRegistry(w)
	require.NoError(t, err)
	repo := NewMemoryRepo()
	provRepo := provenance.NewMemoryRepo()
	auditRepo := auditevent.NewMemoryRepo()
	exec := NewExecutor(repo, reg, zerolog.Nop())
	svc := NewService(repo, db.LocalTransactor{}, provenance.NewRecorder(provRepo, "test"),
		auditevent.NewLog(auditRepo), reg, NewInlineRunner(exec, zerolog.Nop()))
	return &fixture{svc: svc, repo: repo, prov: provRepo, audit: auditRepo, worker: w}
}

func TestCreate_RunsInlineAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.worker.steps = []int{10, 40}

	j, err := f.svc.Create(context.Background(), CreateRequest{Type: "stub", Parameters: json.RawMessage(`{"a":"b"}`)}, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, j.RunnerHandle)
	assert.Equal(t, "inline:"+j.ID.String(), *j.RunnerHandle)

	got, err := f.svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"echo":{"a":"b","n":1}}`, string(got.Outputs))
	assert.Equal(t, 1, f.audit.Count("create", "Job"))
	assert.Contains(t, f.prov.Activities(), "create-job")
}

func TestCreate_IdempotentPerCorrelation(t *testing.T) {
	f := newFixture(t)
	req := CreateRequest{Type: "stub", Parameters: json.RawMessage(`{"a":"b"}`)}

	first, err := f.svc.Create(context.Background(), req, "corr-1")
	require.NoError(t, err)
	second, err := f.svc.Create(context.Background(), req, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.worker.runs)

	third, err := f.svc.Create(context.Background(), req, "corr-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreate_UnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{Type: "nope"}, "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, 0, f.prov.Len())
}

func TestCreate_InvalidParameters(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{Type: "stub", Parameters: json.RawMessage(`[1]`)}, "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestExecute_FailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.worker.steps = []int{30}
	f.worker.fail = errors.New("payer unreachable")

	j, err := f.svc.Create(context.Background(), CreateRequest{Type: "stub"}, "")
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 30, got.Progress)
	require.NotNil(t, got.Error)
	assert.Equal(t, "payer unreachable", *got.Error)
}

func TestExecute_ProgressNeverDecreases(t *testing.T) {
	f := newFixture(t)
	f.worker.steps = []int{50, 20}
	f.worker.fail = errors.New("stop")

	j, err := f.svc.Create(context.Background(), CreateRequest{Type: "stub"}, "")
	require.NoError(t, err)
	got, _ := f.svc.Get(context.Background(), j.ID)
	assert.Equal(t, 50, got.Progress)
}

func TestExecute_TerminalJobSkipped(t *testing.T) {
	f := newFixture(t)
	j, err := f.svc.Create(context.Background(), CreateRequest{Type: "stub"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, f.worker.runs)

	reg, _ := NewRegistry(f.worker)
	require.NoError(t, NewExecutor(f.repo, reg, zerolog.Nop()).Execute(context.Background(), j.ID))
	assert.Equal(t, 1, f.worker.runs)
}

func TestList_StatusFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{Type: "stub"}, "")
	require.NoError(t, err)
	f.worker.fail = errors.New("boom")
	_, err = f.svc.Create(context.Background(), CreateRequest{Type: "stub"}, "")
	require.NoError(t, err)

	failed, err := f.svc.List(context.Background(), StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	all, err := f.svc.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, StatusFailed, all[0].Status)

	_, err = f.svc.List(context.Background(), "paused")
	assert.True(t, apperr.IsValidation(err))
}

func TestFindActive(t *testing.T) {
	repo := NewMemoryRepo()
	pa := uuid.New().String()
	queued := &Job{Type: TypeSubmitPreAuth, Status: StatusQueued, Parameters: json.RawMessage(`{"preAuthId":"` + pa + `"}`)}
	require.NoError(t, repo.Create(context.Background(), queued))
	done := &Job{Type: TypeSubmitPreAuth, Status: StatusSucceeded, Parameters: json.RawMessage(`{"preAuthId":"` + uuid.New().String() + `"}`)}
	require.NoError(t, repo.Create(context.Background(), done))

	got, err := repo.FindActive(context.Background(), TypeSubmitPreAuth, "preAuthId", pa)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, queued.ID, got.ID)

	none, err := repo.FindActive(context.Background(), TypeBulkImportObservations, "preAuthId", pa)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRegistry_DuplicateType(t *testing.T) {
	_, err := NewRegistry(&stubWorker{}, &stubWorker{})
	assert.Error(t, err)
}
