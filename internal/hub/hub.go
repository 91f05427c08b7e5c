// Package hub is the per-node event hub. It consumes the queue substrate's
// lifecycle channel, normalizes raw events into run-status events, and fans
// them out to in-process subscribers (SSE connections, mostly).
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/metrics"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/store"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// NormalizedEvent is a lifecycle event with a derived run status.
type NormalizedEvent struct {
	Queue      string          `json:"queue"`
	Category   string          `json:"category"`
	Event      queue.EventName `json:"event"`
	Status     string          `json:"status"`
	QueueJobID string          `json:"queue_job_id"`
	// EntityID is the run id for test-category events, the job id for
	// job-category events.
	EntityID     string          `json:"entity_id,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`

	// Dropped counts events this subscriber lost right before this one.
	Dropped int `json:"dropped,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e NormalizedEvent) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// returnValueSuccess reads the boolean success out of a completed event's
// return value. Shapes accepted: a bare boolean, or an object with a
// "success" field. Anything else reads as failure.
func returnValueSuccess(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var obj struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Success != nil {
		return *obj.Success
	}
	return false
}

// DeriveStatus maps a raw lifecycle event to a run status.
func DeriveStatus(evt queue.Event) string {
	switch evt.Event {
	case queue.EventActive:
		return store.StatusRunning
	case queue.EventAdded, queue.EventWaiting, queue.EventStalled:
		return store.StatusQueued
	case queue.EventCompleted:
		if returnValueSuccess(evt.ReturnValue) {
			return store.StatusPassed
		}
		return store.StatusFailed
	case queue.EventFailed:
		if evt.AttemptsExhausted {
			return store.StatusError
		}
		return store.StatusFailed
	}
	return ""
}

// statusRank orders statuses for the per-run regression guard. A lower-rank
// status arriving after a higher one is stale and gets dropped.
func statusRank(status string) int {
	switch status {
	case store.StatusQueued:
		return 0
	case store.StatusRunning:
		return 1
	default:
		return 2
	}
}

// Hub normalizes and fans out lifecycle events. One instance per app node.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan NormalizedEvent
	bufferSize  int
	logger      *zap.Logger

	// lastRank tracks the highest status rank seen per run so late events
	// cannot regress a terminal or running status on any subscriber.
	// Entries expire rankTTL after a run's last event so the map stays
	// bounded on long-lived app nodes.
	rankMu    sync.Mutex
	lastRank  map[string]rankEntry
	lastSweep time.Time

	// now is swappable in tests.
	now func() time.Time
}

// rankTTL is how long a run's status rank is remembered after its last
// event. Duplicate deliveries land well inside this window.
const rankTTL = 15 * time.Minute

type rankEntry struct {
	rank int
	seen time.Time
}

// New creates a hub.
func New(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]chan NormalizedEvent),
		bufferSize:  bufferSize,
		logger:      logger,
		lastRank:    make(map[string]rankEntry),
		now:         time.Now,
	}
}

// Run consumes the substrate's lifecycle stream until ctx is done.
func (h *Hub) Run(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.Publish(evt)
		}
	}
}

// Publish normalizes one raw event and dispatches it to all subscribers.
// Dispatch never blocks: a full subscriber buffer drops the oldest event and
// stamps the next delivery with the drop count.
func (h *Hub) Publish(raw queue.Event) {
	status := DeriveStatus(raw)
	if status == "" {
		h.logger.Debug("unmapped lifecycle event", zap.String("event", string(raw.Event)))
		return
	}

	if raw.Category == queue.CategoryTest && raw.EntityID != "" && h.regressed(raw.EntityID, status) {
		h.logger.Debug("dropping stale status regression",
			zap.String("run_id", raw.EntityID),
			zap.String("status", status),
		)
		return
	}

	evt := NormalizedEvent{
		Queue:        raw.Queue,
		Category:     raw.Category,
		Event:        raw.Event,
		Status:       status,
		QueueJobID:   raw.QueueJobID,
		EntityID:     raw.EntityID,
		Trigger:      raw.Trigger,
		Attempt:      raw.Attempt,
		Timestamp:    raw.Timestamp,
		ReturnValue:  raw.ReturnValue,
		FailedReason: raw.FailedReason,
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
			// Full buffer: evict the oldest event to make room, and mark
			// the new one so the client knows it lost history.
			metrics.RecordDrop("hub")
			select {
			case <-ch:
			default:
			}
			evt := evt
			evt.Dropped = 1
			select {
			case ch <- evt:
			default:
				h.logger.Warn("subscriber buffer wedged, event lost", zap.String("subscriber", id))
			}
		}
	}
}

// regressed records the status rank for a run and reports whether this
// status arrives after a higher-ranked one. Stale entries are pruned lazily
// on the way through.
func (h *Hub) regressed(runID, status string) bool {
	rank := statusRank(status)
	now := h.now()
	h.rankMu.Lock()
	defer h.rankMu.Unlock()

	if now.Sub(h.lastSweep) >= time.Minute {
		h.lastSweep = now
		for id, e := range h.lastRank {
			if now.Sub(e.seen) >= rankTTL {
				delete(h.lastRank, id)
			}
		}
	}

	e, seen := h.lastRank[runID]
	if seen && rank < e.rank {
		return true
	}
	h.lastRank[runID] = rankEntry{rank: rank, seen: now}
	return false
}

// Forget drops the regression-guard entry for a finished run. Callers invoke
// it once no more events for the run are expected.
func (h *Hub) Forget(runID string) {
	h.rankMu.Lock()
	delete(h.lastRank, runID)
	h.rankMu.Unlock()
}

// Subscribe returns a channel of normalized events. Call Unsubscribe with
// the same id when done.
func (h *Hub) Subscribe(id string) <-chan NormalizedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan NormalizedEvent, h.bufferSize)
	h.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber. Unsubscribing twice is a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
