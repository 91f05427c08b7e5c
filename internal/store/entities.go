package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

// GetOrganization returns one tenant by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plan_id, subscription_status, created_at
		 FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.PlanID, &org.SubscriptionStatus, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "organization not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "get organization", err)
	}
	return &org, nil
}

// GetProject returns one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, slug, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.TenantID, &p.Slug, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "project not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "get project", err)
	}
	return &p, nil
}

// GetTest returns one test, verifying both project and tenant ownership.
func (s *Store) GetTest(ctx context.Context, testID, projectID, tenantID string) (*Test, error) {
	var t Test
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, project_id, type, name, script, created_at, updated_at
		 FROM tests WHERE id = $1`, testID,
	).Scan(&t.ID, &t.TenantID, &t.ProjectID, &t.Type, &t.Name, &t.Script, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "test not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "get test", err)
	}
	if t.ProjectID != projectID || t.TenantID != tenantID {
		return nil, apperr.New(apperr.KindAuthorization, "test belongs to another project")
	}
	return &t, nil
}

// GetJob returns one job, verifying tenant ownership.
func (s *Store) GetJob(ctx context.Context, jobID, tenantID string) (*Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, project_id, job_type, name, schedule, location,
		        test_ids, enabled, created_at, updated_at, last_run_at
		 FROM jobs WHERE id = $1`, jobID,
	).Scan(&j.ID, &j.TenantID, &j.ProjectID, &j.JobType, &j.Name, &j.Schedule,
		&j.Location, &j.TestIDs, &j.Enabled, &j.CreatedAt, &j.UpdatedAt, &j.LastRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "get job", err)
	}
	if tenantID != "" && j.TenantID != tenantID {
		return nil, apperr.New(apperr.KindAuthorization, "job belongs to another tenant")
	}
	return &j, nil
}

// ListScheduledJobs returns enabled jobs carrying a cron schedule.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, project_id, job_type, name, schedule, location,
		        test_ids, enabled, created_at, updated_at, last_run_at
		 FROM jobs WHERE enabled AND schedule <> ''`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "list scheduled jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.TenantID, &j.ProjectID, &j.JobType, &j.Name,
			&j.Schedule, &j.Location, &j.TestIDs, &j.Enabled, &j.CreatedAt,
			&j.UpdatedAt, &j.LastRunAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TouchJobLastRun records the job's most recent dispatch time.
func (s *Store) TouchJobLastRun(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET last_run_at = now(), updated_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "touch job", err)
	}
	return nil
}

// ResolvePlanLimits returns the limits for a tenant's plan. Tenants without
// a plan get the free limits.
func (s *Store) ResolvePlanLimits(ctx context.Context, org *Organization) (PlanLimits, error) {
	if org.PlanID == "" {
		return FreePlanLimits, nil
	}

	var limits PlanLimits
	err := s.pool.QueryRow(ctx,
		`SELECT plan_id, running_capacity, queued_capacity, max_monitors,
		        included_minutes, ai_credits_per_month, data_retention_days
		 FROM plan_limits WHERE plan_id = $1`, org.PlanID,
	).Scan(&limits.PlanID, &limits.RunningCapacity, &limits.QueuedCapacity,
		&limits.MaxMonitors, &limits.IncludedMinutes, &limits.AICreditsPerMonth,
		&limits.DataRetentionDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return FreePlanLimits, nil
	}
	if err != nil {
		return PlanLimits{}, apperr.Wrap(apperr.KindTransientIO, "resolve plan limits", err)
	}
	return limits, nil
}

// ListTenantRetention returns each tenant with its retention window, used by
// the data-lifecycle cleanup pass.
func (s *Store) ListTenantRetention(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.id, COALESCE(p.data_retention_days, $1)
		 FROM organizations o
		 LEFT JOIN plan_limits p ON p.plan_id = o.plan_id`,
		FreePlanLimits.DataRetentionDays,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "list retention", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tenantID string
		var days int
		if err := rows.Scan(&tenantID, &days); err != nil {
			return nil, err
		}
		out[tenantID] = days
	}
	return out, rows.Err()
}
