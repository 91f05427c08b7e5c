package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

// CreateRunParams are the inputs to CreateRun.
type CreateRunParams struct {
	ProjectID string
	TenantID  string
	JobID     string
	Trigger   string
	Location  string
	Metadata  map[string]any
}

// CreateRun persists a new run with status queued and a time-ordered id.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	run := &Run{
		ID:        id.String(),
		JobID:     p.JobID,
		ProjectID: p.ProjectID,
		TenantID:  p.TenantID,
		Status:    StatusQueued,
		Trigger:   p.Trigger,
		Location:  p.Location,
		StartedAt: time.Now().UTC(),
		Metadata:  metaJSON,
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, job_id, project_id, tenant_id, status, trigger, location, started_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.JobID, run.ProjectID, run.TenantID, run.Status, run.Trigger,
		run.Location, run.StartedAt, run.Metadata,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "insert run", err)
	}
	return run, nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, job_id, project_id, tenant_id, status, trigger, location,
		        started_at, completed_at, duration_ms, error_details, artifact_paths, metadata
		 FROM runs WHERE id = $1`, runID)
	return scanRun(row)
}

// TransitionPatch carries the optional fields written with a transition.
type TransitionPatch struct {
	ErrorDetails  string
	ArtifactPaths []string
	DurationMS    *int64
}

// TransitionRun conditionally moves a run from → to, returning a
// StateConflict error when the current status is not from. Terminal targets
// set completed_at. The state machine rejects transitions it does not allow.
func (s *Store) TransitionRun(ctx context.Context, runID, from, to string, patch TransitionPatch) error {
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.KindStateConflict, "transition %s -> %s not allowed", from, to)
	}

	var completedAt *time.Time
	if IsTerminal(to) {
		now := time.Now().UTC()
		completedAt = &now
	}

	paths := patch.ArtifactPaths
	if paths == nil {
		paths = []string{}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $3,
		     completed_at = COALESCE($4, completed_at),
		     duration_ms = COALESCE($5, duration_ms),
		     error_details = CASE WHEN $6 <> '' THEN $6 ELSE error_details END,
		     artifact_paths = CASE WHEN cardinality($7::text[]) > 0 THEN $7 ELSE artifact_paths END
		 WHERE id = $1 AND status = $2`,
		runID, from, to, completedAt, patch.DurationMS, patch.ErrorDetails, paths,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "transition run", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.GetRun(ctx, runID)
		if getErr != nil {
			return getErr
		}
		return apperr.Newf(apperr.KindStateConflict,
			"run %s is %s, expected %s", runID, current.Status, from)
	}
	return nil
}

// CancelQueuedRun moves a still-queued run straight to cancelled and reports
// whether the row changed. Running runs are left alone: the worker observes
// the cancel flag and writes the terminal status after its child exits.
func (s *Store) CancelQueuedRun(ctx context.Context, runID string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, completed_at = $3
		 WHERE id = $1 AND status = $4`,
		runID, StatusCancelled, now, StatusQueued,
	)
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransientIO, "cancel run", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailQueuedRun marks a still-queued run as error. Used when the enqueue
// after CreateRun fails and the row would otherwise sit queued forever. Runs
// already picked up keep their status.
func (s *Store) FailQueuedRun(ctx context.Context, runID, details string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, completed_at = $3, error_details = $4
		 WHERE id = $1 AND status = $5`,
		runID, StatusError, now, details, StatusQueued,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "fail queued run", err)
	}
	return nil
}

// ActiveCounts returns the number of queued and running runs in a project.
func (s *Store) ActiveCounts(ctx context.Context, projectID string) (queued, running int, err error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM runs
		 WHERE project_id = $1 AND status IN ($2, $3)
		 GROUP BY status`,
		projectID, StatusQueued, StatusRunning,
	)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.KindTransientIO, "count active runs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, err
		}
		switch status {
		case StatusQueued:
			queued = count
		case StatusRunning:
			running = count
		}
	}
	return queued, running, rows.Err()
}

// QueuedPosition returns how many still-queued runs in the same project were
// created before this run. Zero means next in line.
func (s *Store) QueuedPosition(ctx context.Context, run *Run) (int, error) {
	var position int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM runs
		 WHERE project_id = $1 AND status = $2 AND started_at < $3`,
		run.ProjectID, StatusQueued, run.StartedAt,
	).Scan(&position)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientIO, "queued position", err)
	}
	return position, nil
}

// ListRunsByProject returns recent runs for a project, newest first.
func (s *Store) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, project_id, tenant_id, status, trigger, location,
		        started_at, completed_at, duration_ms, error_details, artifact_paths, metadata
		 FROM runs WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "list runs", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// DeletedRun identifies a run removed by retention so its artifacts can be
// swept from the run bucket.
type DeletedRun struct {
	ID        string
	ProjectID string
}

// DeleteRunsOlderThan removes runs past the retention window for one tenant
// and returns the removed ids. Queued and running runs are never deleted.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, tenantID string, cutoff time.Time) ([]DeletedRun, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM runs WHERE tenant_id = $1 AND started_at < $2 AND status NOT IN ($3, $4)
		 RETURNING id, project_id`,
		tenantID, cutoff, StatusQueued, StatusRunning,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "delete old runs", err)
	}
	defer rows.Close()

	var out []DeletedRun
	for rows.Next() {
		var d DeletedRun
		if err := rows.Scan(&d.ID, &d.ProjectID); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientIO, "scan deleted run", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.JobID, &run.ProjectID, &run.TenantID, &run.Status,
		&run.Trigger, &run.Location, &run.StartedAt, &run.CompletedAt,
		&run.DurationMS, &run.ErrorDetails, &run.ArtifactPaths, &run.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "run not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "scan run", err)
	}
	return &run, nil
}
