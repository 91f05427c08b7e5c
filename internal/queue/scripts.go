package queue

import "github.com/redis/go-redis/v9"

// Lua scripts keep pop + gate + visibility bookkeeping atomic so multiple
// worker processes honor per-queue concurrency without coordination.

// leaseScript promotes due delayed jobs, enforces the concurrency gate, and
// moves one ready job into the in-flight set with a visibility deadline.
// KEYS: ready list, delayed zset, inflight zset, gate key
// ARGV: now (unix ms), visibility deadline (unix ms)
var leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local max = tonumber(redis.call('GET', KEYS[4]) or '0')
if max > 0 and redis.call('ZCARD', KEYS[3]) >= max then
  return false
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
return id
`)

// settleScript removes a job from the in-flight set and deletes its record.
// Returns 1 when the job was still in flight (first settle wins). A settle
// that lost the race leaves the record alone: the job was reclaimed and the
// redelivery still needs it.
// KEYS: inflight zset, job hash
// ARGV: job id
var settleScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
  redis.call('DEL', KEYS[2])
end
return removed
`)

// retryScript moves a failed job from in-flight back to the delayed set with
// an incremented attempt counter.
// KEYS: inflight zset, delayed zset, job hash
// ARGV: job id, deliver-at (unix ms)
var retryScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[3], 'attempt', 1)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// reclaimScript moves jobs whose visibility deadline passed back to the
// ready list, incrementing their attempt counters. Returns the moved ids.
// KEYS: inflight zset, ready list
// ARGV: now (unix ms), job key prefix
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HINCRBY', ARGV[2] .. id, 'attempt', 1)
  redis.call('RPUSH', KEYS[2], id)
end
return expired
`)

// dropScript removes a job from the ready list and deletes its record. Used
// when a reclaimed job has exhausted its attempts.
// KEYS: ready list, job hash
// ARGV: job id
var dropScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)
