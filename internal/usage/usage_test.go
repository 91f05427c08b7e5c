package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/supercheck-io/supercheck/internal/store"
)

type fakeLedgerStore struct {
	events   []store.UsageEvent
	inserted bool
	synced   []string
	failNext error
}

func (f *fakeLedgerStore) InsertUsageEvent(_ context.Context, e store.UsageEvent) (bool, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return false, err
	}
	f.events = append(f.events, e)
	return f.inserted, nil
}

func (f *fakeLedgerStore) PendingUsageEvents(_ context.Context, limit int) ([]store.UsageEvent, error) {
	if len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeLedgerStore) MarkUsageSynced(_ context.Context, ids []string) error {
	f.synced = append(f.synced, ids...)
	return nil
}

type fakeReporter struct {
	got []store.UsageEvent
	err error
}

func (f *fakeReporter) Report(_ context.Context, events []store.UsageEvent) error {
	f.got = append(f.got, events...)
	return f.err
}

func newTestLedger(st *fakeLedgerStore) *Ledger {
	l := New(nil, st, nil)
	l.now = func() time.Time { return time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestWindowID(t *testing.T) {
	l := newTestLedger(&fakeLedgerStore{})
	if got := l.WindowID(); got != "2026-03" {
		t.Fatalf("window id = %q", got)
	}
}

func TestWindowTTLCoversMonthEnd(t *testing.T) {
	l := newTestLedger(&fakeLedgerStore{})
	ttl := l.windowTTL()
	// March 15 noon to April 1 is 16.5 days, plus a day of slack.
	want := 16*24*time.Hour + 12*time.Hour + 24*time.Hour
	if ttl != want {
		t.Fatalf("ttl = %v, want %v", ttl, want)
	}
}

func TestRecordMinutesFloorsToOne(t *testing.T) {
	st := &fakeLedgerStore{inserted: true}
	l := newTestLedger(st)

	if err := l.RecordMinutes(context.Background(), "org-1", "run-1", 0); err != nil {
		t.Fatalf("RecordMinutes: %v", err)
	}
	if len(st.events) != 1 {
		t.Fatalf("expected one event, got %d", len(st.events))
	}
	e := st.events[0]
	if e.Units != 1 || e.Kind != KindExecutionMinutes || e.RunID != "run-1" || e.WindowID != "2026-03" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestRecordMinutesPropagatesStoreError(t *testing.T) {
	st := &fakeLedgerStore{failNext: errors.New("db down")}
	l := newTestLedger(st)
	if err := l.RecordMinutes(context.Background(), "org-1", "run-1", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestSyncPending(t *testing.T) {
	st := &fakeLedgerStore{inserted: true}
	l := newTestLedger(st)
	for i := 0; i < 3; i++ {
		if err := l.RecordMinutes(context.Background(), "org-1", "run-"+string(rune('a'+i)), 2); err != nil {
			t.Fatalf("RecordMinutes: %v", err)
		}
	}
	for i := range st.events {
		st.events[i].ID = "evt-" + string(rune('a'+i))
	}

	r := &fakeReporter{}
	n, err := l.SyncPending(context.Background(), r, 10)
	if err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if n != 3 || len(r.got) != 3 {
		t.Fatalf("synced %d, reported %d", n, len(r.got))
	}
	if len(st.synced) != 3 || st.synced[0] != "evt-a" {
		t.Fatalf("marked synced: %v", st.synced)
	}
}

func TestSyncPendingReporterFailureLeavesRowsUnsynced(t *testing.T) {
	st := &fakeLedgerStore{inserted: true}
	l := newTestLedger(st)
	if err := l.RecordMinutes(context.Background(), "org-1", "run-1", 2); err != nil {
		t.Fatalf("RecordMinutes: %v", err)
	}

	r := &fakeReporter{err: errors.New("vendor 503")}
	if _, err := l.SyncPending(context.Background(), r, 10); err == nil {
		t.Fatal("expected error")
	}
	if len(st.synced) != 0 {
		t.Fatalf("rows should stay unsynced, got %v", st.synced)
	}
}

func TestSyncPendingEmpty(t *testing.T) {
	l := newTestLedger(&fakeLedgerStore{})
	n, err := l.SyncPending(context.Background(), &fakeReporter{}, 10)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
