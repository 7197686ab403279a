//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/admin"
	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/domain/documents"
	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/domain/preauth"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/blobstore"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/fhir"
	"github.com/ehr/preauth/internal/platform/sandbox"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupPostgresContainer(ctx context.Context) (*testDB, func(), error) {
	migrationsDir := findMigrationsDir()

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}

	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if _, err := db.NewMigrator(pool, migrationsDir).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	return &testDB{
		Pool:          pool,
		ConnStr:       connStr,
		MigrationsDir: migrationsDir,
	}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	// test/integration -> module root
	return filepath.Join(dir, "..", "..", "migrations")
}

// env wires every service against the shared database the same way the
// server does, with the inline job runner.
type env struct {
	prov      *provenance.Recorder
	audit     *auditevent.Log
	clinical  *clinical.Service
	documents *documents.Service
	payers    *payer.Store
	jobs      *job.Service
	engine    *preauth.Engine
	seeder    *sandbox.Seeder
	scenarios *sandbox.Scenarios
	admin     *admin.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	truncateAll(t)

	pool := globalDB.Pool
	logger := zerolog.Nop()
	tx := db.NewTransactor(pool)
	locker := db.NewAdvisoryLocker(pool)

	e := &env{
		prov:  provenance.NewRecorder(provenance.NewRepoPG(pool), "integration"),
		audit: auditevent.NewLog(auditevent.NewRepoPG(pool)),
	}
	norm := terminology.NewNormalizer(terminology.NewRepoPG(pool), e.prov)
	writer := clinical.NewWriter(tx, e.prov, e.audit)
	e.clinical = clinical.NewService(clinical.NewRepoPG(pool), norm, writer)
	e.documents = documents.NewService(documents.NewRepoPG(pool), blobstore.NewPGStore(pool), e.clinical, norm, writer)
	e.payers = payer.NewStore(payer.NewRepoPG(pool), tx, locker, e.prov, e.audit, "Acme Payer")

	registry, err := job.NewRegistry()
	if err != nil {
		t.Fatalf("job registry: %v", err)
	}
	jobRepo := job.NewRepoPG(pool)
	runner := job.NewInlineRunner(job.NewExecutor(jobRepo, registry, logger), logger)
	e.jobs = job.NewService(jobRepo, tx, e.prov, e.audit, registry, runner)
	e.engine = preauth.NewEngine(preauth.NewRepoPG(pool), tx, e.prov, e.audit, e.clinical, e.documents, e.payers, e.jobs, logger)
	if err := registry.Register(e.engine.ReviewWorker(), e.clinical.BulkImportWorker()); err != nil {
		t.Fatalf("register workers: %v", err)
	}

	resources, err := fhir.NewRegistry(append(e.clinical.Handlers(), e.documents.Handlers()...)...)
	if err != nil {
		t.Fatalf("resource registry: %v", err)
	}
	e.seeder = sandbox.NewSeeder(resources, e.payers, e.engine, tx, logger)
	e.scenarios = sandbox.NewScenarios(resources, e.engine, tx, e.audit, "Acme Payer", true, logger)
	seed := func(ctx context.Context) (interface{}, error) {
		return e.seeder.Seed(ctx)
	}
	e.admin = admin.NewService(admin.NewTableRepo(pool), tx, locker, e.prov, e.audit, seed, true, logger)
	return e
}

// truncateAll empties every application table so each test starts clean.
func truncateAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	tables := admin.NewTableRepo(globalDB.Pool)
	names, err := tables.ListTables(ctx)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if len(names) == 0 {
		return
	}
	if err := tables.Truncate(ctx, names); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := globalDB.Pool.QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
