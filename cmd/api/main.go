package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paulgrammer/comicbatch/internal/batch"
	"github.com/paulgrammer/comicbatch/internal/broadcast"
	"github.com/paulgrammer/comicbatch/internal/comic"
	"github.com/paulgrammer/comicbatch/internal/config"
	"github.com/paulgrammer/comicbatch/internal/executor"
	"github.com/paulgrammer/comicbatch/internal/httpapi"
	"github.com/paulgrammer/comicbatch/internal/jobs"
	"github.com/paulgrammer/comicbatch/internal/lifecycle"
	"github.com/paulgrammer/comicbatch/internal/progress"
	"github.com/paulgrammer/comicbatch/internal/scheduler"
	"github.com/paulgrammer/comicbatch/internal/storage/postgres"
	"github.com/paulgrammer/comicbatch/internal/storage/sqlite"
	"github.com/paulgrammer/comicbatch/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := sqlite.NewStore(db)

	var repo batch.ExecutionRepository = sqlite.NewExecutionRepository(db)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		repo = pg
		logger.Info("job executions stored in postgres")
	}

	// Progress transport
	hub := broadcast.NewHub(logger)
	publishers := broadcast.Fanout{hub}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		publishers = append(publishers, broadcast.NewRedisPublisher(client))
	}

	// Lifecycle
	machine, err := lifecycle.NewMachine(lifecycle.DefaultTable, logger)
	if err != nil {
		logger.Error("failed to build lifecycle", "error", err)
		os.Exit(1)
	}
	comic.Register(machine, store, cfg.DeletePurgedFiles)

	// Batch engine
	launcher := batch.NewLauncher(repo, logger)
	if n, err := launcher.RecoverStale(ctx); err != nil {
		logger.Error("failed to recover stale executions", "error", err)
	} else if n > 0 {
		logger.Warn("marked stale executions failed", "count", n)
	}

	var hooks []progress.TerminalHook
	var notifier *webhook.JobNotifier
	if cfg.WebhookURL != "" {
		sender := webhook.NewHTTPSender(cfg.WebhookTimeout, cfg.WebhookMaxRetries)
		notifier = webhook.NewJobNotifier(sender, cfg.WebhookURL, logger)
		hooks = append(hooks, notifier)
	}
	launcher.AddListener(progress.NewDetailPublisher(publishers, logger, hooks...))

	runner := executor.NewExecRunner(executor.WithLogger(logger))
	if err := jobs.Register(launcher, jobs.Deps{
		Store:     store,
		Machine:   machine,
		Publisher: publishers,
		Runner:    runner,
		Recreate:  jobs.RecreateConfig{Command: cfg.RecreateCommand, Args: cfg.RecreateArgs},
		ChunkSize: cfg.ChunkSize,
		Logger:    logger,
	}); err != nil {
		logger.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(launcher, logger)
	if cfg.ImportInterval > 0 {
		sched.Every(ctx, jobs.Import, cfg.ImportInterval, batch.NewParameters())
	}

	var defaults map[string]map[string]string
	if cfg.LibraryRoot != "" {
		defaults = map[string]map[string]string{
			jobs.Organize: {jobs.ParamTargetDirectory: cfg.LibraryRoot},
		}
	}
	e := httpapi.NewRouter(httpapi.Deps{
		Launcher:  launcher,
		Scheduler: sched,
		Store:     store,
		Machine:   machine,
		Hub:       hub,
		Logger:    logger,
		Defaults:  defaults,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           e,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	launcher.Stop()
	sched.Stop()
	if notifier != nil {
		notifier.Wait()
	}
	hub.Close()
}
