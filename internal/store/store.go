// Package store provides typed Postgres access to the platform's relational
// entities: runs, jobs, tests, projects, organizations, plan limits, usage
// events, and reports.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist. Schema
// migrations proper run out of band; this keeps fresh deployments working.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			plan_id             TEXT NOT NULL DEFAULT '',
			subscription_status TEXT NOT NULL DEFAULT 'none',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			slug       TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, slug)
		)`,
		`CREATE TABLE IF NOT EXISTS tests (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			name       TEXT NOT NULL,
			script     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			job_type    TEXT NOT NULL,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL DEFAULT '',
			location    TEXT NOT NULL DEFAULT 'global',
			test_ids    TEXT[] NOT NULL DEFAULT '{}',
			enabled     BOOLEAN NOT NULL DEFAULT true,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_run_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			job_id         TEXT NOT NULL DEFAULT '',
			project_id     TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			tenant_id      TEXT NOT NULL,
			status         TEXT NOT NULL,
			trigger        TEXT NOT NULL,
			location       TEXT NOT NULL DEFAULT 'global',
			started_at     TIMESTAMPTZ NOT NULL,
			completed_at   TIMESTAMPTZ,
			duration_ms    BIGINT,
			error_details  TEXT NOT NULL DEFAULT '',
			artifact_paths TEXT[] NOT NULL DEFAULT '{}',
			metadata       JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_status ON runs (project_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_status ON runs (job_id, status)`,
		`CREATE TABLE IF NOT EXISTS plan_limits (
			plan_id              TEXT PRIMARY KEY,
			running_capacity     INT NOT NULL,
			queued_capacity      INT NOT NULL,
			max_monitors         INT NOT NULL,
			included_minutes     INT NOT NULL,
			ai_credits_per_month INT NOT NULL DEFAULT 0,
			data_retention_days  INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS project_variables (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			value      TEXT NOT NULL,
			is_secret  BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			report_path TEXT NOT NULL DEFAULT '',
			s3_url      TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id        TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id    TEXT NOT NULL DEFAULT '',
			window_id TEXT NOT NULL,
			kind      TEXT NOT NULL,
			units     BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			synced_at  TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_dedupe
			ON usage_events (tenant_id, run_id, kind) WHERE run_id <> ''`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			token_hash TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
