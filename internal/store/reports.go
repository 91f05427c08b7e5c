package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

// UpsertReport writes or replaces the report row for an entity.
func (s *Store) UpsertReport(ctx context.Context, r Report) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (entity_type, entity_id, report_path, s3_url, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_type, entity_id)
		 DO UPDATE SET report_path = $3, s3_url = $4, status = $5, created_at = now()`,
		r.EntityType, r.EntityID, r.ReportPath, r.S3URL, r.Status,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "upsert report", err)
	}
	return nil
}

// GetReport returns the report row for an entity, if any.
func (s *Store) GetReport(ctx context.Context, entityType, entityID string) (*Report, error) {
	var r Report
	err := s.pool.QueryRow(ctx,
		`SELECT entity_type, entity_id, report_path, s3_url, status, created_at
		 FROM reports WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID,
	).Scan(&r.EntityType, &r.EntityID, &r.ReportPath, &r.S3URL, &r.Status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "report not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "get report", err)
	}
	return &r, nil
}
