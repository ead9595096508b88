package cache

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return 1
end
return 0
`)

type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow records one event for key if fewer than limit happened within the
// last windowMs milliseconds.
func (r *RateLimiter) Allow(ctx context.Context, key string, windowMs int, limit int) (bool, error) {
	now := time.Now().UnixMilli()

	result, err := slidingWindowScript.Run(ctx, r.client, []string{"ratelimit:" + key}, now, windowMs, limit).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}

	return result == 1, nil
}

// WaitForAllow blocks until Allow succeeds, sleeping a jittered fraction of the window between tries.
func (r *RateLimiter) WaitForAllow(ctx context.Context, key string, windowMs int, limit int) error {
	for {
		allowed, err := r.Allow(ctx, key, windowMs, limit)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		slot := float64(windowMs) / float64(limit)
		wait := time.Duration(slot*0.5+slot*0.5*rand.Float64()) * time.Millisecond

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PublishThrottle caps republishes per destination exchange across every
// process sharing the Redis instance.
type PublishThrottle struct {
	limiter   *RateLimiter
	perSecond int
}

func NewPublishThrottle(client *redis.Client, perSecond int) *PublishThrottle {
	return &PublishThrottle{limiter: NewRateLimiter(client), perSecond: perSecond}
}

func (t *PublishThrottle) Wait(ctx context.Context, exchange string) error {
	return t.limiter.WaitForAllow(ctx, "requeue:publish:"+exchange, 1000, t.perSecond)
}
