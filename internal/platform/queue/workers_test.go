package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/job"
)

type fakeExecutor struct {
	err   error
	calls []uuid.UUID
}

func (f *fakeExecutor) Execute(_ context.Context, id uuid.UUID) error {
	f.calls = append(f.calls, id)
	return f.err
}

type fakeJobs struct {
	status string
}

func (f *fakeJobs) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	return &job.Job{ID: id, Status: f.status}, nil
}

func riverJob(id uuid.UUID) *river.Job[ExecuteArgs] {
	return &river.Job[ExecuteArgs]{
		JobRow: &rivertype.JobRow{ID: 42},
		Args:   ExecuteArgs{JobID: id, JobType: job.TypeSubmitPreAuth},
	}
}

func TestJobWorker_Success(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewJobWorker(exec, &fakeJobs{}, zerolog.Nop())
	id := uuid.New()

	if err := w.Work(context.Background(), riverJob(id)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0] != id {
		t.Errorf("expected executor to run job %s, got %v", id, exec.calls)
	}
}

func TestJobWorker_RecordedFailureIsNotRetried(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("unsupported rules")}
	w := NewJobWorker(exec, &fakeJobs{status: job.StatusFailed}, zerolog.Nop())

	if err := w.Work(context.Background(), riverJob(uuid.New())); err != nil {
		t.Fatalf("expected nil for a failure recorded on the job, got %v", err)
	}
}

func TestJobWorker_UnrecordedFailureIsRetried(t *testing.T) {
	boom := errors.New("connection reset")
	exec := &fakeExecutor{err: boom}
	w := NewJobWorker(exec, &fakeJobs{status: job.StatusRunning}, zerolog.Nop())

	if err := w.Work(context.Background(), riverJob(uuid.New())); !errors.Is(err, boom) {
		t.Fatalf("expected error to go back to river, got %v", err)
	}
}

func TestSweepWorker(t *testing.T) {
	var got time.Duration
	sweep := func(_ context.Context, olderThan time.Duration) (int, error) {
		got = olderThan
		return 3, nil
	}
	w := NewSweepWorker(sweep, 30*time.Minute, zerolog.Nop())
	if err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 30*time.Minute {
		t.Errorf("expected threshold 30m, got %s", got)
	}
}

func TestSweepWorker_PropagatesError(t *testing.T) {
	boom := errors.New("db down")
	w := NewSweepWorker(func(context.Context, time.Duration) (int, error) { return 0, boom }, time.Minute, zerolog.Nop())
	if err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{}}); !errors.Is(err, boom) {
		t.Fatalf("expected sweep error, got %v", err)
	}
}

func TestPeriodicJobs(t *testing.T) {
	jobs, err := PeriodicJobs("*/15 * * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 periodic job, got %d", len(jobs))
	}

	if jobs, err := PeriodicJobs(""); err != nil || jobs != nil {
		t.Errorf("expected empty schedule to disable the sweep, got %v, %v", jobs, err)
	}
	if _, err := PeriodicJobs("every so often"); err == nil {
		t.Error("expected error for malformed schedule")
	}
}

func TestArgsKinds(t *testing.T) {
	if (ExecuteArgs{}).Kind() == (SweepArgs{}).Kind() {
		t.Error("job kinds must be distinct")
	}
}
