package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Job runner modes.
const (
	JobRunnerInline = "inline"
	JobRunnerRiver  = "river"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	DefaultSourceSystem string        `mapstructure:"DEFAULT_SOURCE_SYSTEM"`
	DefaultPayer        string        `mapstructure:"DEFAULT_PAYER"`
	AutoMigrate         bool          `mapstructure:"AUTO_MIGRATE"`
	AutoSeed            bool          `mapstructure:"AUTO_SEED"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`
	JobRunner           string        `mapstructure:"JOB_RUNNER"`
	JobWorkers          int           `mapstructure:"JOB_WORKERS"`
	StuckReviewSweep    string        `mapstructure:"STUCK_REVIEW_SWEEP"`
	StuckReviewAfter    time.Duration `mapstructure:"STUCK_REVIEW_AFTER"`
	AuthSecret          string        `mapstructure:"AUTH_SECRET"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_SOURCE_SYSTEM", "sample-app")
	v.SetDefault("DEFAULT_PAYER", "Acme Payer")
	v.SetDefault("AUTO_MIGRATE", false)
	v.SetDefault("AUTO_SEED", false)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("JOB_RUNNER", JobRunnerInline)
	v.SetDefault("JOB_WORKERS", 4)
	v.SetDefault("STUCK_REVIEW_SWEEP", "*/15 * * * *")
	v.SetDefault("STUCK_REVIEW_AFTER", "30m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"DEFAULT_SOURCE_SYSTEM", "DEFAULT_PAYER", "AUTO_MIGRATE", "AUTO_SEED",
		"MIGRATIONS_DIR", "JOB_RUNNER", "JOB_WORKERS", "STUCK_REVIEW_SWEEP",
		"STUCK_REVIEW_AFTER", "AUTH_SECRET", "CORS_ORIGINS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.JobRunner = strings.ToLower(strings.TrimSpace(cfg.JobRunner))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development): dev auth, reset and scenarios are enabled.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.JobRunner {
	case JobRunnerInline, JobRunnerRiver:
	default:
		return fmt.Errorf("JOB_RUNNER must be %q or %q, got %q", JobRunnerInline, JobRunnerRiver, c.JobRunner)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.JobWorkers)
	}
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV=%q", c.Env)
	}
	if _, err := cron.ParseStandard(c.StuckReviewSweep); err != nil {
		return fmt.Errorf("STUCK_REVIEW_SWEEP is not a valid cron expression: %w", err)
	}
	if c.StuckReviewAfter <= 0 {
		return fmt.Errorf("STUCK_REVIEW_AFTER must be positive")
	}
	return nil
}
