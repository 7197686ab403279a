package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/config"
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
	"github.com/ehr/preauth/internal/platform/queue"
	"github.com/ehr/preauth/internal/platform/sandbox"
)

const conceptCacheTTL = 6 * time.Hour

// app holds every wired service. Commands build one and use the parts
// they need.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	prov      *provenance.Recorder
	audit     *auditevent.Log
	normalize *terminology.Normalizer
	clinical  *clinical.Service
	documents *documents.Service
	payers    *payer.Store
	jobs      *job.Service
	executor  *job.Executor
	engine    *preauth.Engine
	resources *fhir.Registry
	seeder    *sandbox.Seeder
	scenarios *sandbox.Scenarios
	admin     *admin.Service

	// queue is set when JOB_RUNNER=river.
	queue *queue.Client
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}
	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg, logger, pool := a.cfg, a.logger, a.pool
	tx := db.NewTransactor(pool)
	locker := db.NewAdvisoryLocker(pool)

	a.prov = provenance.NewRecorder(provenance.NewRepoPG(pool), cfg.DefaultSourceSystem)
	a.audit = auditevent.NewLog(auditevent.NewRepoPG(pool))

	a.normalize = terminology.NewNormalizer(terminology.NewRepoPG(pool), a.prov)
	var cache *terminology.RedisCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		cache = terminology.NewRedisCache(a.redis, conceptCacheTTL, logger)
		a.normalize = a.normalize.WithCache(cache)
		logger.Info().Msg("concept cache enabled")
	}

	writer := clinical.NewWriter(tx, a.prov, a.audit)
	a.clinical = clinical.NewService(clinical.NewRepoPG(pool), a.normalize, writer)
	a.documents = documents.NewService(documents.NewRepoPG(pool), blobstore.NewPGStore(pool), a.clinical, a.normalize, writer)
	a.payers = payer.NewStore(payer.NewRepoPG(pool), tx, locker, a.prov, a.audit, cfg.DefaultPayer)

	registry, err := job.NewRegistry()
	if err != nil {
		return err
	}
	jobRepo := job.NewRepoPG(pool)
	a.executor = job.NewExecutor(jobRepo, registry, logger)
	a.jobs = job.NewService(jobRepo, tx, a.prov, a.audit, registry, job.NewInlineRunner(a.executor, logger))

	a.engine = preauth.NewEngine(preauth.NewRepoPG(pool), tx, a.prov, a.audit,
		a.clinical, a.documents, a.payers, a.jobs, logger)
	if err := registry.Register(a.engine.ReviewWorker(), a.clinical.BulkImportWorker()); err != nil {
		return fmt.Errorf("register job workers: %w", err)
	}

	if cfg.JobRunner == config.JobRunnerRiver {
		a.queue, err = queue.NewClient(pool, a.executor, a.jobs, a.engine.SweepStuck, queue.Config{
			Workers:       cfg.JobWorkers,
			SweepSchedule: cfg.StuckReviewSweep,
			SweepAfter:    cfg.StuckReviewAfter,
		}, logger)
		if err != nil {
			return fmt.Errorf("create job queue: %w", err)
		}
		a.jobs.SetRunner(a.queue)
	}

	a.resources, err = fhir.NewRegistry(append(a.clinical.Handlers(), a.documents.Handlers()...)...)
	if err != nil {
		return fmt.Errorf("resource registry: %w", err)
	}

	a.seeder = sandbox.NewSeeder(a.resources, a.payers, a.engine, tx, logger)
	a.scenarios = sandbox.NewScenarios(a.resources, a.engine, tx, a.audit, cfg.DefaultPayer, cfg.IsDev(), logger)

	seed := func(ctx context.Context) (interface{}, error) {
		return a.seeder.Seed(ctx)
	}
	a.admin = admin.NewService(admin.NewTableRepo(pool), tx, locker, a.prov, a.audit, seed, cfg.IsDev(), logger)
	if cache != nil {
		a.admin.AfterTruncate(cache.Flush)
	}
	return nil
}

// migrate applies the SQL migrations and the job queue schema.
func (a *app) migrate(ctx context.Context) error {
	n, err := db.NewMigrator(a.pool, a.cfg.MigrationsDir).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info().Int("applied", n).Msg("migrations applied")
	if _, err := queue.Migrate(ctx, a.pool, a.logger); err != nil {
		return err
	}
	return nil
}

// healthChecks are the dependency probes served on /health/db.
func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis client")
		}
	}
	a.pool.Close()
}
