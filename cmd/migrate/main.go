package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/michaelmcclelland/nimbus-requeue/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("configs/development.yaml")
	if err != nil {
		logger.Info("config file not found, using env vars", "error", err)
		cfg = config.LoadFromEnv()
	}

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	logger.Info("running migrations", "direction", direction, "host", cfg.Postgres.Host, "db", cfg.Postgres.Database)

	m, err := migrate.New(cfg.Migration.Path, cfg.Postgres.DSN())
	if err != nil {
		logger.Error("failed to create migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	default:
		logger.Error("unknown direction, want up or down", "direction", direction)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Error("reading schema version", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations completed successfully", "version", version, "dirty", dirty)
}
