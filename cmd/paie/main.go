package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/gn-erp/paie/cmd/paie/cli"
	"github.com/gn-erp/paie/internal/app"
	"github.com/gn-erp/paie/internal/observability"
	payrollhttp "github.com/gn-erp/paie/internal/payroll/http"
	"github.com/gn-erp/paie/internal/platform/cache"
	"github.com/gn-erp/paie/internal/platform/db"
	"github.com/gn-erp/paie/jobs"
	"github.com/gn-erp/paie/report"
)

const usage = `usage: paie <command> [flags]

commands:
  serve      run the HTTP API (default)
  migrate    apply database migrations
  simulate   compute a slip offline against a rule set
  jobs       enqueue a background job or inspect the queues`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	command, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch command {
	case "serve":
		code = serve(ctx)
	case "migrate":
		code = migrate(ctx)
	case "simulate":
		code = simulate(ctx, args)
	case "jobs":
		code = runJobs(ctx, args)
	default:
		_, _ = fmt.Fprintln(os.Stderr, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func loadRuntime() (*app.Config, *slog.Logger, bool) {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return nil, nil, false
	}
	return cfg, app.NewLogger(cfg), true
}

func serve(ctx context.Context) int {
	cfg, logger, ok := loadRuntime()
	if !ok {
		return 1
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(cfg, dbpool, redisClient, metrics, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		return 1
	}
	services.ListenRuleInvalidations(ctx, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	payrollHandler := payrollhttp.NewHandler(logger, payrollhttp.Deps{
		Payrun:      services.Payrun,
		Periods:     services.Periods,
		Slips:       services.Slips,
		Simulator:   services.Payroll,
		Corrections: services.Corrections,
		Archive:     services.Archive,
		Rules:       services.Rules,
		Enqueuer:    jobClient,
	})
	reportHandler := report.NewHandler(services.Gotenberg, services.Slips, services.HTML, logger)
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		PayrollHandler: payrollHandler,
		ReportHandler:  reportHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Probes: map[string]app.Probe{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
			code = 1
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return code
}

func migrate(ctx context.Context) int {
	cfg, logger, ok := loadRuntime()
	if !ok {
		return 1
	}
	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		return 1
	}
	return 0
}

type repeated []string

func (r *repeated) String() string { return strings.Join(*r, ",") }

func (r *repeated) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func simulate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	var opts cli.SimulateOptions
	var elements repeated
	fs.StringVar(&opts.Period, "period", time.Now().UTC().Format("2006-01"), "pay month as YYYY-MM")
	fs.StringVar(&opts.Salary, "salary", "", "monthly base salary")
	fs.StringVar(&opts.Category, "category", "", "CADRE, AGENT_MAITRISE or EMPLOYE")
	fs.StringVar(&opts.Contract, "contract", "", "CDI, CDD, STAGIAIRE or APPRENTI")
	fs.IntVar(&opts.Children, "children", 0, "dependent children")
	fs.StringVar(&opts.HireDate, "hired", "", "hire date as YYYY-MM-DD")
	fs.Var(&elements, "element", "extra line as CODE=amount (repeatable)")
	fs.StringVar(&opts.SeedPath, "rules", "", "YAML rule set (defaults to the embedded Guinean set)")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	opts.Elements = elements
	return cli.SimulateCommand(ctx, opts)
}

func runJobs(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	inspect := fs.Bool("inspect", false, "print queue statistics instead of enqueuing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, logger, ok := loadRuntime()
	if !ok {
		return 1
	}
	probe, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis unreachable", slog.Any("error", err))
		return 1
	}
	_ = probe.Close()
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	if *inspect {
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			logger.Error("inspect queues", slog.Any("error", err))
			return 1
		}
		for _, s := range stats {
			_, _ = fmt.Fprintf(os.Stdout, "%-12s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		return 0
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: paie jobs <task type> [args...] | paie jobs -inspect")
		return 2
	}
	info, err := jobsCLI.Trigger(ctx, fs.Arg(0), fs.Args()[1:])
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			_, _ = fmt.Fprintln(os.Stdout, "already queued")
			return 0
		}
		logger.Error("enqueue", slog.String("task", fs.Arg(0)), slog.Any("error", err))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}
