// Package limiter implements the rate/budget gate: a sliding-window RPM
// limiter (Redis-backed for multi-instance deployments, in-memory for
// single-instance ones), global/per-session concurrency gating, and rolling
// USD budget enforcement.
package limiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RPMLimiter admits or rejects a request start against a 60-second sliding
// window of request starts. RetryAfter is meaningful only when allowed is
// false: the time until the window's oldest entry expires.
type RPMLimiter interface {
	Allow(ctx context.Context) (allowed bool, retryAfter time.Duration, err error)
}

// slidingWindowScript is an atomic Lua script implementing the sliding
// window over a Redis sorted set: it both admits the request and reports
// how long until the window's head expires, so a rejection can carry an
// accurate Retry-After.
//
// KEYS[1] = redis key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size (nanoseconds)
// ARGV[3] = limit
// Returns: {allowed (0/1), retry_after_ms}
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		local retry_after_ms = 0
		if #oldest >= 2 then
			local oldest_ts = tonumber(oldest[2])
			retry_after_ms = math.ceil((oldest_ts + window - now) / 1000000)
		end
		return {0, retry_after_ms}
	end

	local member = tostring(now) .. tostring(math.random(1, 1000000))
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return {1, 0}
`)

const redisRPMKey = "forwardcore:rpm"

// RedisRPMLimiter checks the global RPM limit using a Redis sliding window,
// shared across every instance of the process.
type RedisRPMLimiter struct {
	rdb   *redis.Client
	limit int
}

// NewRedisRPMLimiter builds a limiter admitting up to limit request starts
// per rolling 60-second window. limit <= 0 disables the limiter (always
// allow) — callers should not construct one in that case.
func NewRedisRPMLimiter(rdb *redis.Client, limit int) *RedisRPMLimiter {
	return &RedisRPMLimiter{rdb: rdb, limit: limit}
}

func (r *RedisRPMLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	if r.limit <= 0 {
		return true, 0, nil
	}
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	res, err := slidingWindowScript.Run(ctx, r.rdb, []string{redisRPMKey}, now, window, r.limit).Slice()
	if err != nil {
		// Redis unavailable: degrade to allowing the request rather than
		// failing every call in the outage.
		return true, 0, nil
	}
	allowed := len(res) > 0 && toInt64(res[0]) == 1
	var retryAfter time.Duration
	if len(res) > 1 {
		retryAfter = time.Duration(toInt64(res[1])) * time.Millisecond
	}
	return allowed, retryAfter, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

// MemoryRPMLimiter is an in-process sliding window: a deque of
// request-start timestamps trimmed to the trailing 60 seconds on every
// check.
type MemoryRPMLimiter struct {
	mu     sync.Mutex
	window *list.List // of time.Time, oldest at Front
	limit  int
}

// NewMemoryRPMLimiter builds an in-process limiter for single-instance
// deployments with no Redis dependency.
func NewMemoryRPMLimiter(limit int) *MemoryRPMLimiter {
	return &MemoryRPMLimiter{window: list.New(), limit: limit}
}

func (m *MemoryRPMLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	for m.window.Len() > 0 {
		front := m.window.Front()
		if front.Value.(time.Time).Before(cutoff) {
			m.window.Remove(front)
			continue
		}
		break
	}

	if m.window.Len() >= m.limit {
		head := m.window.Front().Value.(time.Time)
		retryAfter := head.Add(time.Minute).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	m.window.PushBack(now)
	return true, 0, nil
}
