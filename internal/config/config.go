// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/schedule"
	"github.com/jdziat/backtest-orchestrator/pkg/storage"
)

// Broker backends.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	DBDriver string
	DBDSN    string

	Broker        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogPretty bool
	HTTPAddr  string

	// Concurrency per queue name.
	Concurrency  map[string]int
	PollInterval time.Duration

	Reaper   ReaperConfig
	Watchdog WatchdogConfig

	DailyCollectionCron string
	DriftSweepCron      string
	ModelSource         string
}

// ReaperConfig holds stale-job reaper settings.
type ReaperConfig struct {
	Interval               time.Duration
	JobTimeout             time.Duration
	VerificationTimeout    time.Duration
	JobMaxRetries          int
	VerificationMaxRetries int
}

// WatchdogConfig holds watchdog settings.
type WatchdogConfig struct {
	Interval         time.Duration
	Grace            time.Duration
	BacklogThreshold int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBDriver:      getEnv("DB_DRIVER", storage.DriverSQLite),
		DBDSN:         getEnv("DB_DSN", "orchestrator.db"),
		Broker:        getEnv("BROKER", BrokerMemory),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPretty:     getEnvAsBool("LOG_PRETTY", false),
		HTTPAddr:      getEnv("HTTP_ADDR", ":9102"),
		Concurrency: map[string]int{
			core.QueueBulkCollection:    getEnvAsInt("WORKER_BULK_CONCURRENCY", 2),
			core.QueueDailyCollection:   getEnvAsInt("WORKER_DAILY_CONCURRENCY", 2),
			core.QueueHeavyVerification: getEnvAsInt("WORKER_HEAVY_CONCURRENCY", 1),
			core.QueueLightVerification: getEnvAsInt("WORKER_LIGHT_CONCURRENCY", 2),
		},
		PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		Reaper: ReaperConfig{
			Interval:               getEnvAsDuration("REAPER_INTERVAL", 5*time.Minute),
			JobTimeout:             getEnvAsDuration("REAPER_JOB_TIMEOUT", 60*time.Minute),
			VerificationTimeout:    getEnvAsDuration("REAPER_VERIFICATION_TIMEOUT", 120*time.Minute),
			JobMaxRetries:          getEnvAsInt("REAPER_JOB_MAX_RETRIES", 3),
			VerificationMaxRetries: getEnvAsInt("REAPER_VERIFICATION_MAX_RETRIES", 2),
		},
		Watchdog: WatchdogConfig{
			Interval:         getEnvAsDuration("WATCHDOG_INTERVAL", 30*time.Second),
			Grace:            getEnvAsDuration("WATCHDOG_GRACE", 30*time.Second),
			BacklogThreshold: getEnvAsInt("WATCHDOG_BACKLOG_THRESHOLD", 100),
		},
		DailyCollectionCron: getEnv("DAILY_COLLECTION_CRON", "0 18 * * 1-5"),
		DriftSweepCron:      getEnv("DRIFT_SWEEP_CRON", "30 18 * * 1-5"),
		ModelSource:         getEnv("MODEL_SOURCE", "main"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unsupported driver %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN: required"))
	}

	switch c.Broker {
	case BrokerMemory:
	case BrokerRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR: required for the redis broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER: unsupported broker %q", c.Broker))
	}

	for _, q := range core.AllQueues {
		if c.Concurrency[q] <= 0 {
			errs = append(errs, fmt.Errorf("concurrency for %s must be positive, got %d", q, c.Concurrency[q]))
		}
	}
	for name, d := range map[string]time.Duration{
		"WORKER_POLL_INTERVAL":        c.PollInterval,
		"REAPER_INTERVAL":             c.Reaper.Interval,
		"REAPER_JOB_TIMEOUT":          c.Reaper.JobTimeout,
		"REAPER_VERIFICATION_TIMEOUT": c.Reaper.VerificationTimeout,
		"WATCHDOG_INTERVAL":           c.Watchdog.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.Reaper.JobMaxRetries < 0 || c.Reaper.VerificationMaxRetries < 0 {
		errs = append(errs, errors.New("reaper max retries must not be negative"))
	}

	if _, err := schedule.ParseCron(c.DailyCollectionCron); err != nil {
		errs = append(errs, fmt.Errorf("DAILY_COLLECTION_CRON: %w", err))
	}
	if _, err := schedule.ParseCron(c.DriftSweepCron); err != nil {
		errs = append(errs, fmt.Errorf("DRIFT_SWEEP_CRON: %w", err))
	}
	if c.ModelSource == "" {
		errs = append(errs, errors.New("MODEL_SOURCE: required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
