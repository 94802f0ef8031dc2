package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orlandolorenzomk/springops-sub000/internal/app/migrate"
	"github.com/orlandolorenzomk/springops-sub000/pkg/config"
	"github.com/orlandolorenzomk/springops-sub000/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	configFile := flag.String("config", os.Getenv("SPRINGOPS_CONFIG_FILE"), "YAML config file")
	flag.Parse()

	log := logger.New("migrate", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if err := config.LoadFile(*configFile); err != nil {
		log.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	fsys, dir := migrate.Source(cfg.MigrationsDir)
	runner, err := migrate.New(pool, cfg.DatabaseURL, fsys, dir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
