package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/orlandolorenzomk/springops-sub000/internal/app/migrate"
	"github.com/orlandolorenzomk/springops-sub000/internal/git"
	httpx "github.com/orlandolorenzomk/springops-sub000/internal/http"
	"github.com/orlandolorenzomk/springops-sub000/internal/port"
	"github.com/orlandolorenzomk/springops-sub000/internal/process"
	"github.com/orlandolorenzomk/springops-sub000/internal/repository/postgres"
	"github.com/orlandolorenzomk/springops-sub000/internal/script"
	"github.com/orlandolorenzomk/springops-sub000/internal/service/deploy"
	"github.com/orlandolorenzomk/springops-sub000/internal/service/monitor"
	"github.com/orlandolorenzomk/springops-sub000/internal/workspace"
	"github.com/orlandolorenzomk/springops-sub000/internal/ws"
	"github.com/orlandolorenzomk/springops-sub000/pkg/config"
	"github.com/orlandolorenzomk/springops-sub000/pkg/logger"
)

func main() {
	if err := config.LoadFile(os.Getenv("SPRINGOPS_CONFIG_FILE")); err != nil {
		slog.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.New(pool)
	if err := repo.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	fsys, dir := migrate.Source(cfg.MigrationsDir)
	runner, err := migrate.New(pool, cfg.DatabaseURL, fsys, dir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	if strings.TrimSpace(cfg.EnvEncryptionKey) == "" {
		log.Warn("ENV_ENCRYPTION_KEY is empty, deploys of applications with environment variables will fail")
	}
	if strings.TrimSpace(cfg.GitToken) == "" {
		log.Warn("GIT_TOKEN is empty, deploys and branch listing are disabled")
	}

	family, ok := process.ParseFamily(cfg.OSFamily)
	if !ok {
		family = process.DetectFamily()
	}
	log.Info("process inspector configured", "os_family", family.String())

	files, err := workspace.New(workspace.Layout{
		FilesRoot:         cfg.FilesRoot,
		RootDirectoryName: cfg.RootDirectoryName,
		ApplicationsDir:   cfg.ApplicationsDir,
		SourceDir:         cfg.SourceDir,
		LogsDir:           cfg.LogsDir,
	})
	if err != nil {
		log.Error("failed to prepare files root", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := connectRedis(ctx, addr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			log.Warn("redis unavailable, using in-process lock and rate limiter", "addr", addr, "error", err)
		} else {
			defer client.Close()
			redisClient = client
		}
	}

	var locker deploy.Locker = deploy.NewMemoryLocker()
	limiter := httpx.NewMemoryRateLimiter()
	if redisClient != nil {
		locker = deploy.NewRedisLocker(redisClient, cfg.LockTTL, log)
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
		log.Info("redis deploy lock and rate limiter enabled", "lock_ttl", cfg.LockTTL)
	}

	inspector := process.NewInspector(process.ExecRunner{}, log)
	hub := ws.NewHub(log)
	defer hub.Close()

	deploySvc := deploy.New(deploy.Dependencies{
		Applications: repo,
		Deployments:  repo,
		Environment:  deploy.NewEncryptedEnvironment(repo, cfg.EnvEncryptionKey),
		Ports:        port.NewGuard(repo),
		Branches:     git.NewResolver(nil, cfg.GitTimeout),
		Scripts: script.NewExecutor(script.Options{
			Shell:     cfg.ScriptShell,
			Dir:       cfg.ScriptsDir,
			Timeout:   cfg.ScriptTimeout,
			WaitDelay: cfg.ScriptWaitDelay,
		}, log),
		Processes: inspector,
		Workspace: files,
		Locker:    locker,
		Events:    hub,
		Metrics:   deploy.NewMetrics(prometheus.DefaultRegisterer),
	}, deploy.Config{
		GitToken:     cfg.GitToken,
		UpdateScript: cfg.UpdateScriptName,
		BuildScript:  cfg.BuildScriptName,
		RunScript:    cfg.RunScriptName,
		Family:       family,
	}, log)

	monitorSvc := monitor.New(repo, repo, inspector, monitor.NewGauges(prometheus.DefaultRegisterer), monitor.Options{
		SampleSchedule: cfg.StatsSampleSchedule,
		PruneSchedule:  cfg.StatsPruneSchedule,
		Retention:      cfg.StatsRetention,
	}, log)

	router := httpx.NewRouter(log, deploySvc, monitorSvc, hub, httpx.Options{
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		DBHealth:  repo.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitorSvc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func connectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
