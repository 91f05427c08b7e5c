package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

// InsertUsageEvent appends a usage ledger row. Rows carrying a run id are
// deduped on (tenant_id, run_id, kind); re-inserting the same event is a
// no-op and reports inserted=false.
func (s *Store) InsertUsageEvent(ctx context.Context, e UsageEvent) (inserted bool, err error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, tenant_id, run_id, window_id, kind, units)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		e.ID, e.TenantID, e.RunID, e.WindowID, e.Kind, e.Units,
	)
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransientIO, "insert usage event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PendingUsageEvents returns unsynced ledger rows, oldest first, for the
// external reporting collaborator.
func (s *Store) PendingUsageEvents(ctx context.Context, limit int) ([]UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, run_id, window_id, kind, units, created_at, synced_at
		 FROM usage_events WHERE synced_at IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, "pending usage events", err)
	}
	defer rows.Close()

	var out []UsageEvent
	for rows.Next() {
		var e UsageEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.WindowID, &e.Kind,
			&e.Units, &e.Created, &e.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkUsageSynced stamps ledger rows after a successful vendor sync.
// At-least-once: re-marking already synced rows is harmless.
func (s *Store) MarkUsageSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE usage_events SET synced_at = $2 WHERE id = ANY($1)`,
		ids, time.Now().UTC(),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "mark usage synced", err)
	}
	return nil
}
