package admin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type mockTableRepo struct {
	mu        sync.Mutex
	tables    []string
	truncated [][]string
	inFlight  int
	maxFlight int
}

func (m *mockTableRepo) ListTables(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	return append([]string(nil), m.tables...), nil
}

func (m *mockTableRepo) Truncate(_ context.Context, tables []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncated = append(m.truncated, tables)
	m.inFlight--
	return nil
}

type testEnv struct {
	svc    *Service
	tables *mockTableRepo
	prov   *provenance.MemoryRepo
	audit  *auditevent.MemoryRepo
	seeds  int
}

func newTestEnv(dev bool, seedErr error) *testEnv {
	env := &testEnv{
		tables: &mockTableRepo{tables: []string{"som_patient", "som_preauth_request"}},
		prov:   provenance.NewMemoryRepo(),
		audit:  auditevent.NewMemoryRepo(),
	}
	seed := func(context.Context) (interface{}, error) {
		env.seeds++
		if seedErr != nil {
			return nil, seedErr
		}
		return map[string]int{"patients": 2}, nil
	}
	env.svc = NewService(env.tables, db.LocalTransactor{}, &db.LocalLocker{},
		provenance.NewRecorder(env.prov, "test"), auditevent.NewLog(env.audit), seed, dev, zerolog.Nop())
	return env
}

func TestReset_TruncatesAndSeeds(t *testing.T) {
	env := newTestEnv(true, nil)

	out, err := env.svc.Reset(context.Background(), ResetRequest{}, "corr-reset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK || !out.Seeded {
		t.Errorf("expected ok and seeded, got %+v", out)
	}
	if len(env.tables.truncated) != 1 || len(env.tables.truncated[0]) != 2 {
		t.Errorf("expected one truncate of 2 tables, got %v", env.tables.truncated)
	}
	if env.seeds != 1 {
		t.Errorf("expected seed to run once, ran %d times", env.seeds)
	}
	if env.prov.Len() != 1 {
		t.Errorf("expected 1 provenance row, got %d", env.prov.Len())
	}
	if n := env.audit.Count("reset", ResourceReset); n != 1 {
		t.Errorf("expected 1 reset audit event, got %d", n)
	}
}

func TestReset_SkipSeed(t *testing.T) {
	env := newTestEnv(true, nil)
	no := false

	out, err := env.svc.Reset(context.Background(), ResetRequest{Seed: &no}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Seeded || env.seeds != 0 {
		t.Errorf("expected seed to be skipped")
	}
	if m, ok := out.SeedResult.(map[string]string); !ok || m["ok"] != "skipped" {
		t.Errorf("expected skipped seed result, got %v", out.SeedResult)
	}
}

func TestReset_AfterTruncateRunsBeforeSeed(t *testing.T) {
	env := newTestEnv(true, nil)
	var order []string
	env.svc.AfterTruncate(func(context.Context) error {
		order = append(order, "flush")
		if env.seeds != 0 {
			order = append(order, "late")
		}
		return nil
	})

	if _, err := env.svc.Reset(context.Background(), ResetRequest{}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 1 || order[0] != "flush" {
		t.Errorf("expected one flush before seeding, got %v", order)
	}
}

func TestReset_OnlyInDevelopment(t *testing.T) {
	env := newTestEnv(false, nil)

	_, err := env.svc.Reset(context.Background(), ResetRequest{}, "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(env.tables.truncated) != 0 {
		t.Error("nothing should be truncated outside development")
	}
}

func TestReset_NoTables(t *testing.T) {
	env := newTestEnv(true, nil)
	env.tables.tables = nil

	if _, err := env.svc.Reset(context.Background(), ResetRequest{}, ""); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReset_SeedFailure(t *testing.T) {
	boom := errors.New("seed exploded")
	env := newTestEnv(true, boom)

	_, err := env.svc.Reset(context.Background(), ResetRequest{}, "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected seed error, got %v", err)
	}
	if env.prov.Len() != 0 {
		t.Error("a failed reset should not be recorded")
	}
}

func TestReset_Serialized(t *testing.T) {
	env := newTestEnv(true, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.Reset(context.Background(), ResetRequest{}, ""); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if env.tables.maxFlight != 1 {
		t.Errorf("expected resets to run one at a time, saw %d overlapping", env.tables.maxFlight)
	}
}
