package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EventsChannel is the single pub/sub channel for queue lifecycle events.
// Any app node may subscribe; the subscriber does not need to own the job.
const EventsChannel = "supercheck:queue:events"

// EventName labels a queue state change.
type EventName string

const (
	EventAdded     EventName = "added"
	EventWaiting   EventName = "waiting"
	EventActive    EventName = "active"
	EventCompleted EventName = "completed"
	EventFailed    EventName = "failed"
	EventStalled   EventName = "stalled"
)

// Category groups lifecycle events by what the queue job executes.
const (
	CategoryJob  = "job"
	CategoryTest = "test"
)

// Event is the raw lifecycle event published on EventsChannel.
type Event struct {
	Queue        string          `json:"queue"`
	Category     string          `json:"category"`
	Event        EventName       `json:"event"`
	QueueJobID   string          `json:"queue_job_id"`
	EntityID     string          `json:"entity_id,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`

	// AttemptsExhausted marks a failed event caused by the substrate running
	// out of delivery attempts, as opposed to a non-retriable job failure.
	AttemptsExhausted bool `json:"attempts_exhausted,omitempty"`
}

// categoryFor derives the event category from the queue name. Exec queues
// carry individual tests; everything else carries job-level work.
func categoryFor(queue string) string {
	if strings.Contains(queue, "-exec-") {
		return CategoryTest
	}
	return CategoryJob
}

func (c *Client) publishEvent(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Category == "" {
		evt.Category = categoryFor(evt.Queue)
	}

	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("marshal lifecycle event failed", zap.Error(err))
		return
	}
	if err := c.rdb.Publish(ctx, EventsChannel, data).Err(); err != nil {
		c.logger.Warn("publish lifecycle event failed",
			zap.String("queue", evt.Queue),
			zap.String("event", string(evt.Event)),
			zap.Error(err),
		)
	}
}

// Subscribe returns a channel of lifecycle events. The channel closes when
// ctx is done. Malformed messages are logged and skipped.
func (c *Client) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 256)
	sub := c.rdb.Subscribe(ctx, EventsChannel)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					c.logger.Warn("invalid lifecycle event payload", zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
