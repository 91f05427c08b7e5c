/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scheduler

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/admission"
	"github.com/supercheck-io/supercheck/internal/artifacts"
	"github.com/supercheck-io/supercheck/internal/metrics"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/region"
	"github.com/supercheck-io/supercheck/internal/store"
	"github.com/supercheck-io/supercheck/internal/usage"
)

const (
	// cleanupVisibility holds a leased retention task long enough for a
	// full tenant sweep before another node may pick it up.
	cleanupVisibility = 10 * time.Minute
	cleanupDrainMax   = 100
)

// Scheduler drives cron-scheduled jobs. It periodically scans enabled jobs,
// submits the tests of any job whose schedule is due, and runs the slow
// housekeeping loops (usage ledger sync, run retention cleanup).
//
// Runs on the app node only. Overlap suppression is per (job, location):
// a job whose previous submission is still in flight is skipped.
type Scheduler struct {
	store    schedulerStore
	admitter submitter
	usage    usageSyncer
	reporter usage.Reporter
	janitor  artifactJanitor
	queues   taskQueue
	tracker  *jobTracker
	logger   *zap.Logger

	checkInterval   time.Duration
	syncInterval    time.Duration
	cleanupInterval time.Duration

	lastSync    time.Time
	lastCleanup time.Time

	// now is swappable in tests.
	now func() time.Time
}

type schedulerStore interface {
	ListScheduledJobs(ctx context.Context) ([]store.Job, error)
	GetTest(ctx context.Context, testID, projectID, tenantID string) (*store.Test, error)
	TouchJobLastRun(ctx context.Context, jobID string) error
	ListTenantRetention(ctx context.Context) (map[string]int, error)
	DeleteRunsOlderThan(ctx context.Context, tenantID string, cutoff time.Time) ([]store.DeletedRun, error)
}

type submitter interface {
	Submit(ctx context.Context, sub admission.Submission) (*admission.Decision, error)
}

type usageSyncer interface {
	SyncPending(ctx context.Context, r usage.Reporter, batch int) (int, error)
}

type artifactJanitor interface {
	DeletePrefix(ctx context.Context, entity artifacts.EntityType, prefix string) (int, error)
}

// taskQueue carries retention cleanup work between app nodes and feeds the
// queue depth gauges.
type taskQueue interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (string, error)
	Lease(ctx context.Context, queues []string, workerID string, visibility time.Duration) (*queue.LeasedJob, error)
	Ack(ctx context.Context, job *queue.LeasedJob, returnValue any) error
	Nack(ctx context.Context, job *queue.LeasedJob, retriable bool, reason string) error
	Depth(ctx context.Context, queueName string) int
}

// Config configures the scheduler.
type Config struct {
	Store    schedulerStore
	Admitter submitter
	Usage    usageSyncer
	Reporter usage.Reporter
	Janitor  artifactJanitor
	Queue    taskQueue
	Logger   *zap.Logger

	CheckInterval   time.Duration
	SyncInterval    time.Duration
	CleanupInterval time.Duration
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		store:           cfg.Store,
		admitter:        cfg.Admitter,
		usage:           cfg.Usage,
		reporter:        cfg.Reporter,
		janitor:         cfg.Janitor,
		queues:          cfg.Queue,
		tracker:         newJobTracker(),
		logger:          cfg.Logger.Named("scheduler"),
		checkInterval:   cfg.CheckInterval,
		syncInterval:    cfg.SyncInterval,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
	}
}

// Run blocks until ctx is cancelled, evaluating schedules every
// checkInterval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		zap.Duration("check_interval", s.checkInterval),
		zap.Duration("sync_interval", s.syncInterval),
	)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// TickNow runs one scheduling cycle on demand. Used by the cron-secret
// endpoint in single-node deployments that drive scheduling externally.
func (s *Scheduler) TickNow(ctx context.Context) {
	s.tick(ctx)
}

// tick runs one scheduling cycle plus any housekeeping that has come due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	jobs, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		s.logger.Error("list scheduled jobs", zap.Error(err))
	} else {
		for i := range jobs {
			s.evaluateJob(ctx, &jobs[i], now)
		}
	}

	if s.queues != nil {
		for _, qn := range append(region.AllExecQueues(), region.QueueDataLifecycle) {
			metrics.RecordQueueDepth(qn, s.queues.Depth(ctx, qn))
		}
	}

	if s.usage != nil && s.reporter != nil && now.Sub(s.lastSync) >= s.syncInterval {
		s.lastSync = now
		if n, err := s.usage.SyncPending(ctx, s.reporter, 100); err != nil {
			s.logger.Warn("usage sync", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("usage events synced", zap.Int("count", n))
		}
	}

	if now.Sub(s.lastCleanup) >= s.cleanupInterval {
		s.lastCleanup = now
		s.enqueueCleanup(ctx, now)
	}
	s.drainCleanup(ctx)
}

// evaluateJob submits the job's tests if its cron schedule has a due
// activation since the last run.
func (s *Scheduler) evaluateJob(ctx context.Context, job *store.Job, now time.Time) {
	due, err := IsDue(job, now)
	if err != nil {
		s.logger.Warn("bad job schedule",
			zap.String("job_id", job.ID),
			zap.String("schedule", job.Schedule),
			zap.Error(err),
		)
		return
	}
	if !due {
		return
	}

	key := job.ID + "/" + job.Location
	if !s.tracker.tryStart(key) {
		s.logger.Debug("job still in flight, skipping",
			zap.String("job_id", job.ID),
			zap.String("location", job.Location),
		)
		return
	}

	// Touch before submitting so a crash mid-submission does not replay
	// the whole batch on the next tick.
	if err := s.store.TouchJobLastRun(ctx, job.ID); err != nil {
		s.logger.Error("touch job", zap.String("job_id", job.ID), zap.Error(err))
		s.tracker.complete(key)
		return
	}

	go func() {
		defer s.tracker.complete(key)
		s.submitJob(context.WithoutCancel(ctx), job)
	}()
}

func (s *Scheduler) submitJob(ctx context.Context, job *store.Job) {
	submitted := 0
	for _, testID := range job.TestIDs {
		test, err := s.store.GetTest(ctx, testID, job.ProjectID, job.TenantID)
		if err != nil {
			s.logger.Warn("scheduled test lookup failed",
				zap.String("job_id", job.ID),
				zap.String("test_id", testID),
				zap.Error(err),
			)
			continue
		}

		_, err = s.admitter.Submit(ctx, admission.Submission{
			ProjectID: job.ProjectID,
			TenantID:  job.TenantID,
			TestID:    test.ID,
			JobID:     job.ID,
			TestType:  test.Type,
			Location:  job.Location,
			Trigger:   store.TriggerScheduled,
		})
		if err != nil {
			s.logger.Warn("scheduled submission rejected",
				zap.String("job_id", job.ID),
				zap.String("test_id", testID),
				zap.Error(err),
			)
			continue
		}
		submitted++
	}

	s.logger.Info("scheduled job dispatched",
		zap.String("job_id", job.ID),
		zap.String("location", job.Location),
		zap.Int("submitted", submitted),
		zap.Int("tests", len(job.TestIDs)),
	)
}

// cleanupTask is the data-lifecycle queue payload for one tenant sweep.
type cleanupTask struct {
	TenantID string    `json:"tenant_id"`
	Cutoff   time.Time `json:"cutoff"`
}

// enqueueCleanup fans per-tenant retention sweeps onto the data-lifecycle
// queue. The queue's visibility window keeps concurrent app nodes from
// sweeping the same tenant twice.
func (s *Scheduler) enqueueCleanup(ctx context.Context, now time.Time) {
	if s.queues == nil {
		return
	}
	retention, err := s.store.ListTenantRetention(ctx)
	if err != nil {
		s.logger.Error("list retention", zap.Error(err))
		return
	}

	for tenantID, days := range retention {
		if days <= 0 {
			continue
		}
		data, err := json.Marshal(cleanupTask{TenantID: tenantID, Cutoff: now.AddDate(0, 0, -days)})
		if err != nil {
			continue
		}
		if _, err := s.queues.Enqueue(ctx, region.QueueDataLifecycle, data, queue.Options{
			EntityID: tenantID,
			Trigger:  "retention",
		}); err != nil {
			s.logger.Warn("enqueue retention task",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}
}

// drainCleanup consumes queued retention tasks.
func (s *Scheduler) drainCleanup(ctx context.Context) {
	if s.queues == nil {
		return
	}
	for i := 0; i < cleanupDrainMax; i++ {
		job, err := s.queues.Lease(ctx, []string{region.QueueDataLifecycle}, "scheduler", cleanupVisibility)
		if err != nil {
			s.logger.Warn("lease retention task", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		var task cleanupTask
		if err := json.Unmarshal(job.Payload, &task); err != nil {
			_ = s.queues.Nack(ctx, job, false, "malformed retention task")
			continue
		}
		if err := s.sweepTenant(ctx, task); err != nil {
			s.logger.Error("retention sweep",
				zap.String("tenant_id", task.TenantID),
				zap.Error(err),
			)
			_ = s.queues.Nack(ctx, job, true, "retention sweep failed")
			continue
		}
		_ = s.queues.Ack(ctx, job, nil)
	}
}

// sweepTenant deletes one tenant's expired runs and the artifacts belonging
// to exactly those runs. Artifacts of runs still inside the retention window
// are left alone.
func (s *Scheduler) sweepTenant(ctx context.Context, task cleanupTask) error {
	deleted, err := s.store.DeleteRunsOlderThan(ctx, task.TenantID, task.Cutoff)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}

	if s.janitor != nil {
		for _, run := range deleted {
			prefix := path.Join(string(artifacts.EntityRun), task.TenantID, run.ProjectID, run.ID) + "/"
			if _, err := s.janitor.DeletePrefix(ctx, artifacts.EntityRun, prefix); err != nil {
				s.logger.Warn("artifact cleanup",
					zap.String("tenant_id", task.TenantID),
					zap.String("run_id", run.ID),
					zap.Error(err),
				)
			}
		}
	}

	s.logger.Info("retention applied",
		zap.String("tenant_id", task.TenantID),
		zap.Time("cutoff", task.Cutoff),
		zap.Int("runs_deleted", len(deleted)),
	)
	return nil
}

// IsDue reports whether job has a cron activation at or before now that is
// later than its last run. New jobs use CreatedAt as the baseline.
func IsDue(job *store.Job, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return false, err
	}
	base := job.CreatedAt
	if job.LastRunAt != nil {
		base = *job.LastRunAt
	}
	next := sched.Next(base)
	return !next.IsZero() && !next.After(now), nil
}

// jobTracker suppresses overlapping submissions of the same (job, location).
type jobTracker struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func newJobTracker() *jobTracker {
	return &jobTracker{inFlight: make(map[string]bool)}
}

func (t *jobTracker) tryStart(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[key] {
		return false
	}
	t.inFlight[key] = true
	return true
}

func (t *jobTracker) complete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, key)
}
