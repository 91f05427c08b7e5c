// Package config provides configuration loading for app and worker nodes.
// Sources (in priority order): env vars > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all node configuration. App nodes and worker nodes share one
// struct; each reads the fields it cares about.
type Config struct {
	// Listen address for the app node HTTP server (default ":8080").
	ListenAddr string

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// RedisURL is the Redis connection string (redis://...).
	RedisURL string

	// AppURL is the externally reachable base URL of the app node.
	AppURL string

	// StatusPageDomain is the base domain for hosted status pages.
	StatusPageDomain string

	// SelfHosted disables subscription checks when true.
	SelfHosted bool

	// WorkerLocation pins a worker process to one region.
	WorkerLocation string

	// LocationFiltering pins workers to their declared region's queues.
	// When false a worker consumes every region's queues (MVP mode).
	LocationFiltering bool

	// K6MaxConcurrency caps simultaneous in-flight load tests per worker.
	K6MaxConcurrency int

	// K6BinPath is the k6 binary (default "k6" on PATH).
	K6BinPath string

	// PlaywrightBinPath is the browser-runner binary (default "npx").
	PlaywrightBinPath string

	// RunTimeout is the hard wall-clock limit for a single run.
	RunTimeout time.Duration

	// SecretsKey decrypts project secret variables (64 hex chars).
	SecretsKey string

	// CronSecret guards the internal cron tick endpoint.
	CronSecret string

	// Artifact buckets, one per entity type.
	RunBucket  string
	TestBucket string
	JobBucket  string

	// S3 settings. Endpoint may point at any S3-compatible store.
	S3Region   string
	S3Endpoint string

	// RateLimitPerMinute caps submissions per tenant per minute (0 = off).
	RateLimitPerMinute int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		RedisURL:           "redis://localhost:6379",
		WorkerLocation:     "global",
		K6MaxConcurrency:   3,
		K6BinPath:          "k6",
		PlaywrightBinPath:  "npx",
		RunTimeout:         10 * time.Minute,
		RunBucket:          "supercheck-runs",
		TestBucket:         "supercheck-tests",
		JobBucket:          "supercheck-jobs",
		S3Region:           "us-east-1",
		RateLimitPerMinute: 120,
		LogLevel:           "info",
	}
}

// Load reads configuration from the environment over defaults.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		cfg.AppURL = v
	}
	if v := os.Getenv("STATUS_PAGE_DOMAIN"); v != "" {
		cfg.StatusPageDomain = v
	}
	if v := os.Getenv("SELF_HOSTED"); v != "" {
		cfg.SelfHosted = parseBool(v)
	}
	if v := os.Getenv("WORKER_LOCATION"); v != "" {
		cfg.WorkerLocation = v
	}
	if v := os.Getenv("ENABLE_LOCATION_FILTERING"); v != "" {
		cfg.LocationFiltering = parseBool(v)
	}
	if v := os.Getenv("K6_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("K6_MAX_CONCURRENCY must be a positive integer")
		}
		cfg.K6MaxConcurrency = n
	}
	if v := os.Getenv("K6_BIN_PATH"); v != "" {
		cfg.K6BinPath = v
	}
	if v := os.Getenv("PLAYWRIGHT_BIN_PATH"); v != "" {
		cfg.PlaywrightBinPath = v
	}
	if v := os.Getenv("RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("RUN_TIMEOUT must be a positive duration")
		}
		cfg.RunTimeout = d
	}
	if v := os.Getenv("SECRETS_KEY"); v != "" {
		cfg.SecretsKey = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.CronSecret = v
	}
	if v := os.Getenv("RUN_ARTIFACTS_BUCKET"); v != "" {
		cfg.RunBucket = v
	}
	if v := os.Getenv("TEST_ARTIFACTS_BUCKET"); v != "" {
		cfg.TestBucket = v
	}
	if v := os.Getenv("JOB_ARTIFACTS_BUCKET"); v != "" {
		cfg.JobBucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes"
}
