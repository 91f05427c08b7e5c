package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.K6MaxConcurrency != 3 {
		t.Fatalf("expected default k6 concurrency 3, got %d", cfg.K6MaxConcurrency)
	}
	if cfg.RunTimeout != 10*time.Minute {
		t.Fatalf("expected default run timeout 10m, got %s", cfg.RunTimeout)
	}
	if cfg.WorkerLocation != "global" {
		t.Fatalf("expected default location global, got %q", cfg.WorkerLocation)
	}
	if cfg.LocationFiltering {
		t.Fatal("location filtering should default off")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@db/supercheck")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("SELF_HOSTED", "true")
	t.Setenv("ENABLE_LOCATION_FILTERING", "1")
	t.Setenv("WORKER_LOCATION", "eu-central")
	t.Setenv("K6_MAX_CONCURRENCY", "5")
	t.Setenv("RUN_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://app@db/supercheck" {
		t.Fatalf("unexpected database url: %q", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("unexpected redis url: %q", cfg.RedisURL)
	}
	if !cfg.SelfHosted {
		t.Fatal("expected self-hosted on")
	}
	if !cfg.LocationFiltering {
		t.Fatal("expected location filtering on")
	}
	if cfg.WorkerLocation != "eu-central" {
		t.Fatalf("unexpected location: %q", cfg.WorkerLocation)
	}
	if cfg.K6MaxConcurrency != 5 {
		t.Fatalf("unexpected k6 concurrency: %d", cfg.K6MaxConcurrency)
	}
	if cfg.RunTimeout != 90*time.Second {
		t.Fatalf("unexpected run timeout: %s", cfg.RunTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("K6_MAX_CONCURRENCY", "zero")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric K6_MAX_CONCURRENCY")
	}

	t.Setenv("K6_MAX_CONCURRENCY", "3")
	t.Setenv("RUN_TIMEOUT", "-5s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative RUN_TIMEOUT")
	}
}
