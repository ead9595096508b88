package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/michaelmcclelland/nimbus-requeue/internal/cache"
	"github.com/michaelmcclelland/nimbus-requeue/internal/config"
	"github.com/michaelmcclelland/nimbus-requeue/internal/database"
	"github.com/michaelmcclelland/nimbus-requeue/internal/metrics"
	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
	"github.com/michaelmcclelland/nimbus-requeue/internal/requeue"
	"github.com/michaelmcclelland/nimbus-requeue/internal/storage"
)

const defaultConfigPath = "configs/development.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("fatal error", "error", err)
		cancel()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "requeue",
		Usage:     "Move dead-lettered RabbitMQ messages back to where they died",
		ArgsUsage: "[dleQueueName] [messageId]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the YAML config file",
				Value:   defaultConfigPath,
				EnvVars: []string{"REQUEUE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Drain and resolve destinations without publishing or acknowledging",
			},
			&cli.IntFlag{
				Name:  "max-messages",
				Usage: "Stop draining after this many messages (0 = no limit)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Action: action,
	}
}

func action(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("max-messages") {
		cfg.Requeue.MaxMessages = c.Int("max-messages")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	opts := requeue.Options{
		RunID:       uuid.NewString(),
		Queue:       c.Args().Get(0),
		Filter:      c.Args().Get(1),
		IDPath:      cfg.Requeue.IDPath,
		DryRun:      c.Bool("dry-run"),
		MaxMessages: cfg.Requeue.MaxMessages,
	}
	if opts.Queue == "" {
		opts.Queue = cfg.Requeue.DefaultQueue
	}
	if opts.Filter == "" {
		opts.Filter = cfg.Requeue.DefaultMessageID
	}
	if opts.Queue == "" {
		return errors.New("no dead-letter queue given: pass dleQueueName or set requeue.default_queue")
	}

	return run(c.Context, logger, cfg, opts)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if c.IsSet("config") {
		return nil, err
	}
	return config.LoadFromEnv(), nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts requeue.Options) error {
	runnerOpts := []requeue.RunnerOption{
		requeue.WithRecorders(metrics.NewRecorder(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)),
	}

	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()

		lock, err := cache.AcquireRunLock(ctx, rdb, opts.Queue, opts.RunID, cfg.Redis.LockTTL())
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("releasing run lock", "error", err)
			}
		}()

		lockCtx, stopKeepAlive := context.WithCancel(ctx)
		defer stopKeepAlive()
		go lock.KeepAlive(lockCtx, logger)

		if cfg.Requeue.RateLimitPerSec > 0 {
			runnerOpts = append(runnerOpts, requeue.WithThrottle(cache.NewPublishThrottle(rdb, cfg.Requeue.RateLimitPerSec)))
		}
	}

	if cfg.Postgres.Enabled {
		pool, err := database.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		runnerOpts = append(runnerOpts, requeue.WithRecorders(database.NewAuditRecorder(pool)))
	}

	if cfg.MinIO.Enabled {
		mc, err := storage.NewMinIOClient(ctx, cfg.MinIO)
		if err != nil {
			return fmt.Errorf("connect to minio: %w", err)
		}
		runnerOpts = append(runnerOpts, requeue.WithRecorders(storage.NewReportArchiver(mc, cfg.MinIO.Bucket)))
	}

	conn, err := queue.NewConnection(ctx, cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries(), logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	// Closing the channel hands every unacknowledged message back to the queue.
	defer conn.Close()

	closed := conn.NotifyClose()
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			logger.Error("rabbitmq connection closed", "code", amqpErr.Code, "reason", amqpErr.Reason)
		}
	}()

	broker, err := conn.Broker(queue.ChannelOptions{CallTimeout: cfg.Requeue.CallTimeout()})
	if err != nil {
		return err
	}

	logger.Info("connected", "host", cfg.RabbitMQ.Host, "vhost", cfg.RabbitMQ.VHost)

	_, err = requeue.NewRunner(broker, logger, runnerOpts...).Run(ctx, opts)
	return err
}
