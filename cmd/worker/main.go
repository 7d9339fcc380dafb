package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gn-erp/paie/internal/app"
	"github.com/gn-erp/paie/internal/observability"
	"github.com/gn-erp/paie/internal/platform/db"
	"github.com/gn-erp/paie/internal/platform/httpx"
	"github.com/gn-erp/paie/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(cfg, pool, redisClient, metrics, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	services.ListenRuleInvalidations(ctx, logger)

	periodJob := jobs.NewPeriodJob(services.Payrun, logger, metrics.Jobs())
	verifyJob := jobs.NewArchiveVerifyJob(services.Archive, logger, metrics.Jobs())
	warmupJob := jobs.NewRulesWarmupJob(services.RuleCache, services.RulesRepo, logger, metrics.Jobs())

	// Zero payload: every employer, current year.
	warmupTask, err := jobs.NewRulesWarmupTask(0, 0)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskComputePeriod, Handler: periodJob.HandleCompute},
			{Type: jobs.TaskValidatePeriod, Handler: periodJob.HandleValidate},
			{Type: jobs.TaskArchiveVerify, Handler: verifyJob.Handle},
			{Type: jobs.TaskRulesWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ArchiveVerifyCron, Task: jobs.NewArchiveVerifyTask()},
			{Spec: cfg.RulesWarmupCron, Task: warmupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	health := healthServer(cfg.WorkerHealthAddr, jobs.NewHandler(inspector, logger), metrics)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(gctx)
	})
	group.Go(func() error {
		logger.Info("starting worker health server", slog.String("addr", cfg.WorkerHealthAddr))
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return health.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func healthServer(addr string, jobHandler *jobs.Handler, metrics *observability.Metrics) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/jobs", jobHandler.MountRoutes)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
