package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/michaelmcclelland/nimbus-requeue/internal/config"
	"github.com/redis/go-redis/v9"
)

const clientName = "nimbus-requeue"

func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		ClientName:   clientName,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  5 * time.Second,
	}
}

// NewRedisClient connects for the run lock and the publish throttle.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(redisOptions(cfg))

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr(), err)
	}

	return client, nil
}
