// Package ratelimit implements a per-client requests-per-minute limit using
// Redis sliding-window counters evaluated by an atomic Lua script.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per client.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp in nanoseconds
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns {1, 0} when allowed, {0, retry_after_ms} when limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local retry = window
			if oldest[2] then
				retry = tonumber(oldest[2]) + window - now
			end
			return {0, math.ceil(retry / 1000000)}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- ns to ms
		return {1, 0}
`)

const keyPrefix = "ratelimit:rpm:"

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RPMLimiter enforces a per-client requests-per-minute limit.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	window   time.Duration
	now      func() time.Time
}

// NewRPMLimiter returns a limiter allowing rpmLimit requests per client per
// minute. rpmLimit must be > 0.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, window: time.Minute, now: time.Now}
}

// Allow records a request from client and reports whether it is within the
// limit. When Redis is unavailable the request is allowed and the error is
// returned for logging.
func (r *RPMLimiter) Allow(ctx context.Context, client string) (Decision, error) {
	now := r.now().UnixNano()

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + client},
		now, r.window.Nanoseconds(), r.rpmLimit,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{Allowed: true}, err
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
