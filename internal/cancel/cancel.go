// Package cancel implements the out-of-band cancellation plane. A cancel is
// a Redis flag keyed by run id; workers poll it while supervising a child
// process, so a run can be stopped regardless of which region holds it.
package cancel

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

const (
	keyPrefix = "supercheck:cancel:"

	// flagTTL bounds how long a flag outlives its run. Workers clear flags
	// on observation; the TTL covers runs that finished before the flag
	// landed or workers that died mid-run.
	flagTTL = time.Hour
)

// Plane signals and observes run cancellation across regions.
type Plane struct {
	rdb redis.UniversalClient
}

// New creates a cancellation plane over an established Redis connection.
func New(rdb redis.UniversalClient) *Plane {
	return &Plane{rdb: rdb}
}

func flagKey(runID string) string { return keyPrefix + runID }

// Signal raises the cancel flag for a run. Signalling twice is harmless.
func (p *Plane) Signal(ctx context.Context, runID string) error {
	if err := p.rdb.Set(ctx, flagKey(runID), "1", flagTTL).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "signal cancel", err)
	}
	return nil
}

// IsCancelled reports whether the run's cancel flag is raised. Redis errors
// read as not cancelled so a flaky connection cannot kill healthy runs.
func (p *Plane) IsCancelled(ctx context.Context, runID string) bool {
	_, err := p.rdb.Get(ctx, flagKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	return err == nil
}

// Clear removes the cancel flag after a worker has acted on it.
func (p *Plane) Clear(ctx context.Context, runID string) {
	_ = p.rdb.Del(ctx, flagKey(runID)).Err()
}
