package server

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "supercheck:session:ratelimit:"

// RedisLimiter is a sliding-window rate limiter shared across app nodes.
// Each request adds a member to a per-key sorted set scored by arrival time;
// the window count decides. Add-then-check with rollback keeps concurrent
// nodes from both sneaking under the limit.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	logger *zap.Logger

	now func() time.Time
}

// NewRedisLimiter creates a limiter allowing perMinute requests per key.
// perMinute <= 0 disables limiting.
func NewRedisLimiter(rdb redis.UniversalClient, perMinute int, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		rdb:    rdb,
		limit:  perMinute,
		window: time.Minute,
		logger: logger,
		now:    time.Now,
	}
}

// Allow reports whether one more request fits the key's window. Redis
// failures fail open so the limiter never takes down submissions.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	now := l.now()
	rkey := rateLimitPrefix + key
	member := uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", cutoff)
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	count := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, l.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}

	if count.Val() > int64(l.limit) {
		if err := l.rdb.ZRem(ctx, rkey, member).Err(); err != nil {
			l.logger.Warn("rate limit rollback failed", zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}
