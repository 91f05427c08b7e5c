// Package queue implements the Redis-backed work queue substrate: delayed
// jobs, atomic lease with per-queue concurrency gates, visibility timeouts,
// retry with exponential backoff, and a lifecycle-event side channel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

const (
	keyPrefix    = "supercheck:queue:"
	jobKeyPrefix = "supercheck:queue:job:"

	defaultMaxAttempts = 3
)

// Options configures an enqueue.
type Options struct {
	// Delay defers delivery.
	Delay time.Duration
	// Attempts is the total delivery budget (>=1). Zero means the default.
	Attempts int
	// BackoffBase seeds the exponential retry delay. Zero means the default.
	BackoffBase time.Duration
	// EntityID correlates the queue job with a run or job row.
	EntityID string
	// Trigger records what caused the submission (manual, scheduled, api, retry).
	Trigger string
}

// LeasedJob is a job held by a worker until Ack or Nack.
type LeasedJob struct {
	ID          string
	Queue       string
	Attempt     int
	MaxAttempts int
	EntityID    string
	Trigger     string
	Payload     []byte
	WorkerID    string
}

// Client is the queue substrate handle. All methods are safe for concurrent
// use.
type Client struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// New creates a queue client over an established Redis connection.
func New(rdb redis.UniversalClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{rdb: rdb, logger: logger}
}

func readyKey(queue string) string    { return keyPrefix + queue + ":ready" }
func delayedKey(queue string) string  { return keyPrefix + queue + ":delayed" }
func inflightKey(queue string) string { return keyPrefix + queue + ":inflight" }
func gateKey(queue string) string     { return keyPrefix + queue + ":gate" }
func jobKey(id string) string         { return jobKeyPrefix + id }

// SetGate sets the queue's max in-flight count. Zero removes the gate.
func (c *Client) SetGate(ctx context.Context, queue string, maxInFlight int) error {
	if maxInFlight <= 0 {
		return c.rdb.Del(ctx, gateKey(queue)).Err()
	}
	return c.rdb.Set(ctx, gateKey(queue), maxInFlight, 0).Err()
}

// Enqueue stores the payload and makes it deliverable, emitting an added (or
// waiting, when delayed) lifecycle event. Returns the queue job id.
func (c *Client) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error) {
	id := uuid.NewString()
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}

	fields := map[string]any{
		"queue":        queue,
		"payload":      payload,
		"attempt":      1,
		"max_attempts": attempts,
		"backoff_ms":   backoff.Milliseconds(),
		"entity_id":    opts.EntityID,
		"trigger":      opts.Trigger,
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), fields)
	event := EventAdded
	if opts.Delay > 0 {
		deliverAt := time.Now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(deliverAt), Member: id})
		event = EventWaiting
	} else {
		pipe.RPush(ctx, readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", apperr.Wrap(apperr.KindTransientIO, "enqueue", err)
	}

	c.publishEvent(ctx, Event{
		Queue:      queue,
		Event:      event,
		QueueJobID: id,
		EntityID:   opts.EntityID,
		Trigger:    opts.Trigger,
		Attempt:    1,
	})
	return id, nil
}

// Lease atomically pops one job from the first queue with capacity and ready
// work, holding it for the visibility window. Returns (nil, nil) when no work
// is available.
func (c *Client) Lease(ctx context.Context, queues []string, workerID string, visibility time.Duration) (*LeasedJob, error) {
	now := time.Now()
	deadline := now.Add(visibility).UnixMilli()

	for _, queue := range queues {
		res, err := leaseScript.Run(ctx, c.rdb,
			[]string{readyKey(queue), delayedKey(queue), inflightKey(queue), gateKey(queue)},
			now.UnixMilli(), deadline,
		).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransientIO, "lease", err)
		}
		id, ok := res.(string)
		if !ok || id == "" {
			continue
		}

		job, err := c.loadJob(ctx, queue, id)
		if err != nil {
			// Orphaned id with no record; settle it so it does not wedge
			// the in-flight set.
			c.logger.Warn("leased job has no record, dropping",
				zap.String("queue", queue),
				zap.String("queue_job_id", id),
			)
			_, _ = settleScript.Run(ctx, c.rdb, []string{inflightKey(queue), jobKey(id)}, id).Result()
			continue
		}
		job.WorkerID = workerID

		c.publishEvent(ctx, Event{
			Queue:      queue,
			Event:      EventActive,
			QueueJobID: id,
			EntityID:   job.EntityID,
			Trigger:    job.Trigger,
			Attempt:    job.Attempt,
		})
		return job, nil
	}
	return nil, nil
}

func (c *Client) loadJob(ctx context.Context, queue, id string) (*LeasedJob, error) {
	fields, err := c.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}

	attempt, _ := strconv.Atoi(fields["attempt"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	if attempt < 1 {
		attempt = 1
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	return &LeasedJob{
		ID:          id,
		Queue:       queue,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		EntityID:    fields["entity_id"],
		Trigger:     fields["trigger"],
		Payload:     []byte(fields["payload"]),
	}, nil
}

// Ack settles a leased job as completed. returnValue travels on the
// completed lifecycle event (nil is fine). Acking a job that was already
// reclaimed is a no-op.
func (c *Client) Ack(ctx context.Context, job *LeasedJob, returnValue any) error {
	res, err := settleScript.Run(ctx, c.rdb,
		[]string{inflightKey(job.Queue), jobKey(job.ID)}, job.ID,
	).Int()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "ack", err)
	}
	if res == 0 {
		// Visibility expired and the job was reclaimed; the other delivery
		// owns the outcome now.
		return nil
	}

	var raw json.RawMessage
	if returnValue != nil {
		raw, _ = json.Marshal(returnValue)
	}
	c.publishEvent(ctx, Event{
		Queue:       job.Queue,
		Event:       EventCompleted,
		QueueJobID:  job.ID,
		EntityID:    job.EntityID,
		Trigger:     job.Trigger,
		Attempt:     job.Attempt,
		ReturnValue: raw,
	})
	return nil
}

// Nack settles a leased job as failed. Retriable failures within the attempt
// budget re-queue with exponential backoff; everything else emits a terminal
// failed event.
func (c *Client) Nack(ctx context.Context, job *LeasedJob, retriable bool, reason string) error {
	if retriable && job.Attempt < job.MaxAttempts {
		backoff, err := c.rdb.HGet(ctx, jobKey(job.ID), "backoff_ms").Int64()
		if err != nil {
			backoff = defaultBackoffBase.Milliseconds()
		}
		delay := retryDelay(time.Duration(backoff)*time.Millisecond, job.Attempt)
		deliverAt := time.Now().Add(delay).UnixMilli()

		moved, err := retryScript.Run(ctx, c.rdb,
			[]string{inflightKey(job.Queue), delayedKey(job.Queue), jobKey(job.ID)},
			job.ID, deliverAt,
		).Int()
		if err != nil {
			return apperr.Wrap(apperr.KindTransientIO, "nack retry", err)
		}
		if moved == 1 {
			c.publishEvent(ctx, Event{
				Queue:        job.Queue,
				Event:        EventWaiting,
				QueueJobID:   job.ID,
				EntityID:     job.EntityID,
				Trigger:      job.Trigger,
				Attempt:      job.Attempt + 1,
				FailedReason: reason,
			})
		}
		return nil
	}

	res, err := settleScript.Run(ctx, c.rdb,
		[]string{inflightKey(job.Queue), jobKey(job.ID)}, job.ID,
	).Int()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "nack", err)
	}
	if res == 0 {
		return nil
	}
	c.publishEvent(ctx, Event{
		Queue:             job.Queue,
		Event:             EventFailed,
		QueueJobID:        job.ID,
		EntityID:          job.EntityID,
		Trigger:           job.Trigger,
		Attempt:           job.Attempt,
		FailedReason:      reason,
		AttemptsExhausted: retriable && job.Attempt >= job.MaxAttempts,
	})
	return nil
}

// ReclaimStalled re-queues jobs whose visibility deadline passed without an
// Ack. Jobs over their attempt budget are dropped with a terminal failed
// event. Returns how many jobs were re-queued.
func (c *Client) ReclaimStalled(ctx context.Context, queue string) (int, error) {
	res, err := reclaimScript.Run(ctx, c.rdb,
		[]string{inflightKey(queue), readyKey(queue)},
		time.Now().UnixMilli(), jobKeyPrefix,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, apperr.Wrap(apperr.KindTransientIO, "reclaim", err)
	}

	requeued := 0
	for _, id := range res {
		job, err := c.loadJob(ctx, queue, id)
		if err != nil {
			continue
		}
		if job.Attempt > job.MaxAttempts {
			_, _ = dropScript.Run(ctx, c.rdb, []string{readyKey(queue), jobKey(id)}, id).Result()
			c.publishEvent(ctx, Event{
				Queue:             queue,
				Event:             EventFailed,
				QueueJobID:        id,
				EntityID:          job.EntityID,
				Trigger:           job.Trigger,
				Attempt:           job.Attempt,
				FailedReason:      "visibility timeout, attempts exhausted",
				AttemptsExhausted: true,
			})
			continue
		}
		requeued++
		c.publishEvent(ctx, Event{
			Queue:      queue,
			Event:      EventStalled,
			QueueJobID: id,
			EntityID:   job.EntityID,
			Trigger:    job.Trigger,
			Attempt:    job.Attempt,
		})
	}
	return requeued, nil
}

// Depth returns the queue's ready + delayed + in-flight size. Used for
// lowest-load routing; errors read as zero.
func (c *Client) Depth(ctx context.Context, queue string) int {
	pipe := c.rdb.Pipeline()
	ready := pipe.LLen(ctx, readyKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	inflight := pipe.ZCard(ctx, inflightKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return int(ready.Val() + delayed.Val() + inflight.Val())
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
