package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/preauth/internal/config"
	"github.com/ehr/preauth/internal/domain/admin"
	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/domain/preauth"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/middleware"
	"github.com/ehr/preauth/internal/platform/queue"
	"github.com/ehr/preauth/internal/platform/sandbox"
)

const (
	serverName    = "preauth-server"
	serverVersion = "0.1.0"
)

var stdout io.Writer = os.Stdout

func main() {
	rootCmd := &cobra.Command{
		Use:   serverName,
		Short: "Clinical preauthorization workflow server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background job workers without the HTTP server (JOB_RUNNER=river)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				fmt.Fprintf(stdout, "Running migrations from: %s\n", a.cfg.MigrationsDir)
				count, err := db.NewMigrator(a.pool, a.cfg.MigrationsDir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(stdout, "Applied %d migration(s) successfully.\n", count)
				queued, err := queue.Migrate(ctx, a.pool, a.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Applied %d job queue migration(s).\n", queued)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				statuses, err := db.NewMigrator(a.pool, a.cfg.MigrationsDir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(stdout, statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo data set (skipped when patients exist)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				out, err := a.seeder.Seed(ctx)
				if err != nil {
					return err
				}
				return printJSON(stdout, out)
			})
		},
	}
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Truncate all data and reseed (ENV=development only)",
	}
	noSeed := cmd.Flags().Bool("no-seed", false, "Skip reseeding after truncation")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			seed := !*noSeed
			out, err := a.admin.Reset(ctx, admin.ResetRequest{Seed: &seed}, "")
			if err != nil {
				return err
			}
			return printJSON(stdout, out)
		})
	}
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the application for a one-shot CLI command. Work runs as
// the system actor with the admin role.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(auth.WithIdentity(ctx, auth.SystemActor, []string{auth.RoleAdmin}), a)
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Env)

	// Services
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()
	logger.Info().Str("job_runner", cfg.JobRunner).Msg("connected to database")

	if cfg.AutoMigrate {
		if err := a.migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("auto-migrate failed")
		}
	}
	if cfg.AutoSeed {
		sys := auth.WithIdentity(ctx, auth.SystemActor, []string{auth.RoleAdmin})
		if _, err := a.seeder.Seed(sys); err != nil {
			logger.Fatal().Err(err).Msg("auto-seed failed")
		}
	}

	if a.queue != nil {
		logger.Info().Msg("jobs are queued for the worker process")
	}

	e := newEcho(a)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	waitForSignal()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JobRunner != config.JobRunnerRiver {
		return fmt.Errorf("worker requires JOB_RUNNER=%s", config.JobRunnerRiver)
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.queue.Start(ctx); err != nil {
		return err
	}
	logger.Info().Int("workers", cfg.JobWorkers).Msg("job worker started")

	waitForSignal()
	logger.Info().Msg("stopping job worker")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.queue.Stop(stopCtx)
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// newEcho builds the HTTP server with middleware and every route mounted.
func newEcho(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.CorrelationID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Correlation-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "20M"))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware([]byte(cfg.AuthSecret)))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSecret),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()...))

	// API groups
	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")
	fhirGroup.GET("/metadata", a.resources.MetadataHandler(serverName, serverVersion))

	preauth.NewHandler(a.engine).RegisterRoutes(apiV1, fhirGroup)
	payer.NewHandler(a.payers).RegisterRoutes(apiV1, fhirGroup)
	job.NewHandler(a.jobs).RegisterRoutes(apiV1, fhirGroup)
	terminology.NewHandler(a.normalize).RegisterRoutes(apiV1, fhirGroup)
	provenance.NewHandler(a.prov).RegisterRoutes(apiV1, fhirGroup)
	auditevent.NewHandler(a.audit).RegisterRoutes(apiV1, fhirGroup)
	admin.NewHandler(a.admin).RegisterRoutes(apiV1, fhirGroup)
	sandbox.NewHandler(a.scenarios).RegisterRoutes(apiV1, fhirGroup)

	// Generic FHIR create/read/search last so the resource-specific routes
	// above take precedence.
	a.resources.RegisterRoutes(fhirGroup)

	return e
}
