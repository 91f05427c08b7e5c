// Package usage meters billable consumption: AI credits checked against the
// plan allowance at the moment of use, and execution minutes recorded per run
// for the external billing sync. Credit consumption is consume-or-reject, not
// check-then-consume, so concurrent requests cannot overshoot the allowance.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/store"
)

const counterPrefix = "supercheck:usage:"

// Usage event kinds recorded in the ledger.
const (
	KindAICredit         = "ai_credit"
	KindExecutionMinutes = "execution_minutes"
)

// consumeScript increments the window counter and rolls back when the
// increment would exceed the allowance. Returns {1, balance} on success and
// {0, balance} on rejection. The TTL is stamped on first increment only.
var consumeScript = redis.NewScript(`
local balance = redis.call('INCRBY', KEYS[1], ARGV[1])
if balance == tonumber(ARGV[1]) then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
if balance > tonumber(ARGV[2]) then
    redis.call('DECRBY', KEYS[1], ARGV[1])
    return {0, balance - tonumber(ARGV[1])}
end
return {1, balance}
`)

// ledgerStore is the slice of the state store the ledger needs.
type ledgerStore interface {
	InsertUsageEvent(ctx context.Context, e store.UsageEvent) (bool, error)
	PendingUsageEvents(ctx context.Context, limit int) ([]store.UsageEvent, error)
	MarkUsageSynced(ctx context.Context, ids []string) error
}

// Reporter pushes usage rows to the external billing vendor.
type Reporter interface {
	Report(ctx context.Context, events []store.UsageEvent) error
}

// Ledger meters per-tenant consumption windows.
type Ledger struct {
	rdb    redis.UniversalClient
	store  ledgerStore
	logger *zap.Logger
	now    func() time.Time
}

// New creates a usage ledger.
func New(rdb redis.UniversalClient, st ledgerStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{rdb: rdb, store: st, logger: logger, now: time.Now}
}

// WindowID names the current monthly metering window, e.g. "2026-08".
func (l *Ledger) WindowID() string {
	return l.now().UTC().Format("2006-01")
}

func (l *Ledger) counterKey(tenantID, kind string) string {
	return fmt.Sprintf("%s%s:%s:%s", counterPrefix, tenantID, l.WindowID(), kind)
}

// windowTTL covers the remainder of the current month plus slack for clock
// skew between app nodes.
func (l *Ledger) windowTTL() time.Duration {
	now := l.now().UTC()
	monthEnd := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return monthEnd.Sub(now) + 24*time.Hour
}

// ConsumeCredits atomically takes n AI credits from the tenant's monthly
// allowance. Exceeding the allowance consumes nothing and returns a credit
// error carrying the remaining balance.
func (l *Ledger) ConsumeCredits(ctx context.Context, tenantID string, n, allowance int) error {
	if n <= 0 {
		return nil
	}
	res, err := consumeScript.Run(ctx, l.rdb,
		[]string{l.counterKey(tenantID, KindAICredit)},
		n, allowance, l.windowTTL().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "consume credits", err)
	}
	if len(res) != 2 || res[0] != 1 {
		used := int64(0)
		if len(res) == 2 {
			used = res[1]
		}
		return apperr.Newf(apperr.KindCredit,
			"ai credit allowance exceeded: %d of %d used this month", used, allowance)
	}

	window := l.WindowID()
	if _, err := l.store.InsertUsageEvent(ctx, store.UsageEvent{
		TenantID: tenantID,
		WindowID: window,
		Kind:     KindAICredit,
		Units:    int64(n),
	}); err != nil {
		// The counter already holds the consumption; the ledger row is for
		// the billing sync and can be retried there.
		l.logger.Warn("credit consumed but ledger insert failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return nil
}

// RefundCredits returns previously consumed credits after a downstream
// failure. Refunding below zero clamps at the window floor on next consume.
func (l *Ledger) RefundCredits(ctx context.Context, tenantID string, n int) {
	if n <= 0 {
		return
	}
	if err := l.rdb.DecrBy(ctx, l.counterKey(tenantID, KindAICredit), int64(n)).Err(); err != nil {
		l.logger.Warn("credit refund failed",
			zap.String("tenant_id", tenantID), zap.Int("units", n), zap.Error(err))
	}
}

// RecordMinutes appends an execution-minutes row for a finished run. Deduped
// on (tenant, run, kind), so reporting the same run twice is a no-op.
func (l *Ledger) RecordMinutes(ctx context.Context, tenantID, runID string, minutes int) error {
	if minutes < 1 {
		minutes = 1
	}
	inserted, err := l.store.InsertUsageEvent(ctx, store.UsageEvent{
		TenantID: tenantID,
		RunID:    runID,
		WindowID: l.WindowID(),
		Kind:     KindExecutionMinutes,
		Units:    int64(minutes),
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Debug("duplicate minutes report ignored",
			zap.String("tenant_id", tenantID), zap.String("run_id", runID))
	}
	return nil
}

// SyncPending pushes unsynced ledger rows to the billing reporter and stamps
// the ones it accepted. Called periodically by the scheduler.
func (l *Ledger) SyncPending(ctx context.Context, r Reporter, batch int) (int, error) {
	events, err := l.store.PendingUsageEvents(ctx, batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := r.Report(ctx, events); err != nil {
		return 0, apperr.Wrap(apperr.KindTransientIO, "report usage", err)
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := l.store.MarkUsageSynced(ctx, ids); err != nil {
		return 0, err
	}
	return len(events), nil
}
