package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/integration"
	"github.com/gn-erp/paie/internal/observability"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/payrun"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
	"github.com/gn-erp/paie/internal/view"
	"github.com/gn-erp/paie/report"
)

// Services is the object graph shared by the API server and the worker.
type Services struct {
	RulesRepo   *rules.Repository
	RuleCache   *rules.Cache
	Rules       *rules.Service
	Slips       *payroll.Repository
	Payroll     *payroll.Service
	Periods     *periods.Service
	Corrections *corrections.Service
	Archive     *archive.Service
	HTML        *archive.HTMLRenderer
	Gotenberg   *report.Client
	Payrun      *payrun.Service
}

// BuildServices wires the payroll services on top of the shared pool and Redis client.
func BuildServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := view.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	rulesRepo := rules.NewRepository(pool, cfg.PayrollDefaultCurrency)
	ruleCache := rules.NewCache(rulesRepo, rulesRepo, redisClient, cfg.RuleTTLs(), logger)
	ruleService := rules.NewService(rulesRepo, ruleCache, logger)

	slipRepo := payroll.NewRepository(pool)
	payrollService := payroll.NewService(ruleCache, slipRepo, logger)
	periodService := periods.NewService(periods.NewRepository(pool), logger)
	correctionService := corrections.NewService(corrections.NewRepository(pool), logger)

	gotenberg := report.NewClient(cfg.GotenbergURL, cfg.GotenbergTimeout)
	html := archive.NewHTMLRenderer(engine)
	var renderer archive.Renderer = html
	if cfg.ArchiveFormat == ArchiveFormatPDF {
		renderer = archive.NewPDFRenderer(html, gotenberg)
	}
	archiveService := archive.NewService(archive.NewRepository(pool), archive.NewFileBlobStore(cfg.ArchiveDir), renderer, logger)
	archiveService.WithRetention(cfg.ArchiveRetentionYears)

	journal := integration.NewJournalWriter(pool)
	payrunConfig := payrun.Config{
		DB:               payrun.NewPgDatabase(pool),
		Periods:          periodService,
		Payroll:          payrollService,
		Employees:        slipRepo,
		Corrections:      correctionService,
		Archive:          archiveService,
		Snapshots:        ruleCache,
		Journal:          integration.NewHooks(journal, journal),
		Locker:           payrun.NewRedisLocker(redisClient, cfg.PayrollLockTTL),
		AbortOnSlipError: cfg.PayrollAbortOnSlipError,
		Logger:           logger,
	}
	if metrics != nil {
		archiveService.WithMetrics(metrics.Jobs())
		payrunConfig.Metrics = metrics.Jobs()
	}

	return &Services{
		RulesRepo:   rulesRepo,
		RuleCache:   ruleCache,
		Rules:       ruleService,
		Slips:       slipRepo,
		Payroll:     payrollService,
		Periods:     periodService,
		Corrections: correctionService,
		Archive:     archiveService,
		HTML:        html,
		Gotenberg:   gotenberg,
		Payrun:      payrun.NewService(payrunConfig),
	}, nil
}

// ListenRuleInvalidations subscribes the rule cache to writes made by other
// processes. A failed subscription only costs freshness, up to the cache TTLs.
func (s *Services) ListenRuleInvalidations(ctx context.Context, logger *slog.Logger) {
	if err := s.RuleCache.Listen(ctx); err != nil {
		logger.Warn("rule invalidation listener", slog.Any("error", err))
	}
}
