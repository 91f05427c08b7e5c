// Package worker implements the worker-node execution pipeline: lease a job
// from the region queues, spawn the right runner, supervise the child,
// upload artifacts, and record the terminal status.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/artifacts"
	"github.com/supercheck-io/supercheck/internal/metrics"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/region"
	"github.com/supercheck-io/supercheck/internal/store"
)

const (
	leasePollInterval = 500 * time.Millisecond
	reclaimInterval   = 30 * time.Second
	// visibilitySlack keeps the queue's visibility window comfortably past
	// the run timeout so healthy runs are never reclaimed mid-flight.
	visibilitySlack = 2 * time.Minute
)

// runStore is the slice of the state store the pool writes through.
type runStore interface {
	TransitionRun(ctx context.Context, runID, from, to string, patch store.TransitionPatch) error
	UpsertReport(ctx context.Context, r store.Report) error
}

// jobQueue is the slice of the queue substrate the pool consumes.
type jobQueue interface {
	Lease(ctx context.Context, queues []string, workerID string, visibility time.Duration) (*queue.LeasedJob, error)
	Ack(ctx context.Context, job *queue.LeasedJob, returnValue any) error
	Nack(ctx context.Context, job *queue.LeasedJob, retriable bool, reason string) error
	ReclaimStalled(ctx context.Context, queueName string) (int, error)
}

// cancelPlane is the slice of the cancellation plane the pool observes.
type cancelPlane interface {
	IsCancelled(ctx context.Context, runID string) bool
	Clear(ctx context.Context, runID string)
}

// artifactUploader is the slice of the artifact sink the pool uses.
type artifactUploader interface {
	PutStream(ctx context.Context, entity artifacts.EntityType, tenantID, projectID, entityID, filename string, r io.Reader, size int64) (string, error)
}

// minutesRecorder meters finished runs.
type minutesRecorder interface {
	RecordMinutes(ctx context.Context, tenantID, runID string, minutes int) error
}

// Config wires a Pool.
type Config struct {
	WorkerID string
	Location region.Location
	// Filtering pins this worker to its own region's queues.
	Filtering bool
	// Concurrency is the number of parallel lease loops.
	Concurrency int
	// RunTimeout is the default wall-clock limit per run.
	RunTimeout time.Duration

	Store   runStore
	Queue   jobQueue
	Cancels cancelPlane
	Sink    artifactUploader
	Usage   minutesRecorder
	Runners map[region.ExecKind]Runner
	Logger  *zap.Logger
}

// Pool is a worker-node process supervisor.
type Pool struct {
	cfg        Config
	queues     []string
	visibility time.Duration
	logger     *zap.Logger
}

// New creates a worker pool.
func New(cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		cfg:        cfg,
		queues:     region.WorkerQueues(cfg.Location, cfg.Filtering),
		visibility: cfg.RunTimeout + visibilitySlack,
		logger:     cfg.Logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run leases and executes jobs until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting",
		zap.String("location", string(p.cfg.Location)),
		zap.Bool("filtering", p.cfg.Filtering),
		zap.Strings("queues", p.queues),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx)
	}()

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.leaseLoop(ctx)
		}()
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) leaseLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.cfg.Queue.Lease(ctx, p.queues, p.cfg.WorkerID, p.visibility)
		if err != nil {
			p.logger.Warn("lease failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		if job == nil {
			sleepCtx(ctx, leasePollInterval)
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range p.queues {
				n, err := p.cfg.Queue.ReclaimStalled(ctx, q)
				if err != nil {
					p.logger.Warn("reclaim failed", zap.String("queue", q), zap.Error(err))
					continue
				}
				if n > 0 {
					metrics.RecordStalledReclaim(q, n)
					p.logger.Info("reclaimed stalled jobs", zap.String("queue", q), zap.Int("count", n))
				}
			}
		}
	}
}

// ackValue is the return value carried on the completed lifecycle event.
type ackValue struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
}

func (p *Pool) process(ctx context.Context, job *queue.LeasedJob) {
	payload, err := queue.UnmarshalRunPayload(job.Payload)
	if err != nil {
		p.logger.Error("malformed payload", zap.String("queue_job_id", job.ID), zap.Error(err))
		_ = p.cfg.Queue.Nack(ctx, job, false, "malformed payload")
		return
	}
	kind, ok := region.KindForQueue(job.Queue)
	if !ok {
		_ = p.cfg.Queue.Nack(ctx, job, false, "not an exec queue: "+job.Queue)
		return
	}
	runner, ok := p.cfg.Runners[kind]
	if !ok {
		_ = p.cfg.Queue.Nack(ctx, job, false, "no runner for kind "+string(kind))
		return
	}

	logger := p.logger.With(
		zap.String("run_id", payload.RunID),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.Attempt),
	)

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	// Cancel may have landed while the job sat queued.
	if p.cfg.Cancels.IsCancelled(ctx, payload.RunID) {
		p.finish(ctx, job, payload, store.StatusCancelled, store.TransitionPatch{}, store.StatusQueued, logger)
		return
	}

	if err := p.cfg.Store.TransitionRun(ctx, payload.RunID, store.StatusQueued, store.StatusRunning, store.TransitionPatch{}); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindStateConflict:
			// Second delivery of a reclaimed job; the row is already
			// running (or terminal, in which case the terminal write
			// below will conflict and we ack regardless).
			logger.Info("run not queued at lease time, continuing", zap.Error(err))
		case apperr.KindNotFound:
			_ = p.cfg.Queue.Nack(ctx, job, false, "run row missing")
			return
		default:
			_ = p.cfg.Queue.Nack(ctx, job, true, "transition to running failed")
			return
		}
	}

	start := time.Now()
	result, runErr := runner.Run(ctx, payload)
	duration := time.Since(start)
	durationMS := duration.Milliseconds()
	patch := store.TransitionPatch{DurationMS: &durationMS}

	var status string
	switch {
	case runErr == nil:
		if result.Cleanup != nil {
			defer result.Cleanup()
		}
		patch.ArtifactPaths = p.uploadArtifacts(ctx, payload, result, logger)
		patch.ErrorDetails = result.Details
		if result.Passed {
			status = store.StatusPassed
		} else {
			status = store.StatusFailed
		}
		p.writeReport(ctx, payload, status, patch.ArtifactPaths, logger)
	case apperr.Is(runErr, apperr.KindTimeout):
		status = store.StatusTimedOut
		patch.ErrorDetails = apperr.UserMessage(runErr)
	case apperr.Is(runErr, apperr.KindCancellation):
		status = store.StatusCancelled
	case ctx.Err() != nil:
		// Shutdown mid-run: leave the job in flight for reclaim.
		logger.Info("shutdown during run, leaving job for reclaim")
		return
	default:
		status = store.StatusError
		patch.ErrorDetails = sanitizeDetails(runErr.Error(), payload.Secrets)
	}

	p.finish(ctx, job, payload, status, patch, store.StatusRunning, logger)
	p.recordUsage(ctx, payload, duration, logger)
	metrics.RecordRunComplete(payload.TestType, status, duration)
}

// finish writes the terminal status and settles the queue job. A state
// conflict means another delivery already owns the terminal write; the job
// is acked either way.
func (p *Pool) finish(ctx context.Context, job *queue.LeasedJob, payload queue.RunPayload, status string, patch store.TransitionPatch, from string, logger *zap.Logger) {
	if err := p.cfg.Store.TransitionRun(ctx, payload.RunID, from, status, patch); err != nil {
		if apperr.KindOf(err) != apperr.KindStateConflict {
			logger.Error("terminal transition failed", zap.String("status", status), zap.Error(err))
			_ = p.cfg.Queue.Nack(ctx, job, true, "terminal write failed")
			return
		}
		logger.Info("run already terminal, acking anyway", zap.String("status", status))
	}

	// The terminal status wins over any cancel still in flight; drop the
	// flag now rather than waiting out its TTL.
	p.cfg.Cancels.Clear(ctx, payload.RunID)

	if err := p.cfg.Queue.Ack(ctx, job, ackValue{
		Success: status == store.StatusPassed,
		RunID:   payload.RunID,
		Status:  status,
	}); err != nil {
		logger.Warn("ack failed", zap.Error(err))
	}
	logger.Info("run finished", zap.String("status", status))
}

func (p *Pool) uploadArtifacts(ctx context.Context, payload queue.RunPayload, result *Result, logger *zap.Logger) []string {
	var paths []string
	for _, af := range result.Artifacts {
		key, err := p.uploadOne(ctx, payload, af)
		if err != nil {
			logger.Warn("artifact upload failed", zap.String("file", af.Name), zap.Error(err))
			continue
		}
		paths = append(paths, key)
	}
	return paths
}

func (p *Pool) uploadOne(ctx context.Context, payload queue.RunPayload, af ArtifactFile) (string, error) {
	f, err := os.Open(af.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return p.cfg.Sink.PutStream(ctx, artifacts.EntityRun,
		payload.TenantID, payload.ProjectID, payload.RunID, af.Name, f, info.Size())
}

func (p *Pool) writeReport(ctx context.Context, payload queue.RunPayload, status string, paths []string, logger *zap.Logger) {
	reportPath := ""
	for _, key := range paths {
		if strings.HasSuffix(key, "report.html") {
			reportPath = key
			break
		}
	}
	err := p.cfg.Store.UpsertReport(ctx, store.Report{
		EntityType: "run",
		EntityID:   payload.RunID,
		ReportPath: reportPath,
		Status:     status,
	})
	if err != nil {
		logger.Warn("report write failed", zap.Error(err))
	}
}

func (p *Pool) recordUsage(ctx context.Context, payload queue.RunPayload, duration time.Duration, logger *zap.Logger) {
	minutes := int((duration + time.Minute - 1) / time.Minute)
	if err := p.cfg.Usage.RecordMinutes(ctx, payload.TenantID, payload.RunID, minutes); err != nil {
		logger.Warn("minutes recording failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// String identifies the pool in health output.
func (p *Pool) String() string {
	return fmt.Sprintf("pool %s @ %s", p.cfg.WorkerID, p.cfg.Location)
}
