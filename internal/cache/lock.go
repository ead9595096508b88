package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("another run holds the lock for this queue")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RunLock guards a dead-letter queue against two runs draining it at once.
type RunLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func LockKey(queueName string) string {
	return "requeue:lock:" + queueName
}

// AcquireRunLock takes the lock for queueName or returns ErrLockHeld.
// token identifies the holder; only the holder can release or refresh it.
func AcquireRunLock(ctx context.Context, client *redis.Client, queueName, token string, ttl time.Duration) (*RunLock, error) {
	key := LockKey(queueName)
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &RunLock{client: client, key: key, token: token, ttl: ttl}, nil
}

// Release deletes the lock if it is still ours. Releasing an expired or
// stolen lock is not an error.
func (l *RunLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	return nil
}

// Refresh extends the lock's TTL. It reports false if the lock was lost.
func (l *RunLock) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refreshing lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

// KeepAlive refreshes the lock every third of its TTL until ctx is done.
func (l *RunLock) KeepAlive(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := l.Refresh(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("refreshing run lock", "key", l.key, "error", err)
				}
				continue
			}
			if !held {
				logger.Error("run lock lost", "key", l.key)
				return
			}
		}
	}
}
