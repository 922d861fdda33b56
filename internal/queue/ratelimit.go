package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// limitScript checks the window counter before incrementing, so two
// workers racing on the same window cannot both slip past the cap.
const limitScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("PEXPIRE", key, ttl)
end
return {1, newVal}
`

// RateLimiter caps dispatched jobs at max per window across all worker
// processes, enforcing the upstream carrier limit. Counters live in
// Redis so every worker shares one budget.
type RateLimiter struct {
	rdb    redis.UniversalClient
	script *redis.Script
	name   string
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(rdb redis.UniversalClient, name string, max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		rdb:    rdb,
		script: redis.NewScript(limitScript),
		name:   name,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow consumes one token from the current window. When denied it
// returns how long to wait for the next window.
func (r *RateLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := r.now()
	bucket := now.UnixMilli() / r.window.Milliseconds()
	key := fmt.Sprintf("%sratelimit:%s:%d", keyPrefix, r.name, bucket)
	// TTL double the window so a straggling read still sees the counter.
	result, err := r.script.Run(ctx, r.rdb, []string{key},
		r.max, 2*r.window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("queue: rate limit check: %w", err)
	}
	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	next := (bucket + 1) * r.window.Milliseconds()
	wait := time.Duration(next-now.UnixMilli()) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait, err := r.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
