package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gn-erp/paie/internal/jobs"
	"github.com/gn-erp/paie/internal/payrun"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
)

// PeriodRunner is the part of the bulk orchestrator driven by the worker.
type PeriodRunner interface {
	ComputePeriod(ctx context.Context, periodID, actorID int64) (payrun.Result, error)
	ValidatePeriod(ctx context.Context, periodID, actorID int64) (payrun.ValidateResult, error)
}

// PeriodJob handles the compute and validate tasks.
type PeriodJob struct {
	Runner  PeriodRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPeriodJob constructs the payroll period job handler.
func NewPeriodJob(runner PeriodRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PeriodJob {
	return &PeriodJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// HandleCompute executes TaskComputePeriod.
func (j *PeriodJob) HandleCompute(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Runner == nil {
		return errors.New("compute period: dependencies not configured")
	}
	payload, err := decodePeriodPayload(task)
	if err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskComputePeriod)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Runner.ComputePeriod(ctx, payload.PeriodID, payload.ActorID)
	if err != nil {
		j.log(TaskComputePeriod).Error("compute period", slog.Int64("period_id", payload.PeriodID), slog.Any("error", err))
		return retryable(err)
	}
	j.log(TaskComputePeriod).Info("computed period",
		slog.Int64("period_id", res.PeriodID),
		slog.Int("created", res.Created),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", res.Elapsed))
	return nil
}

// HandleValidate executes TaskValidatePeriod.
func (j *PeriodJob) HandleValidate(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Runner == nil {
		return errors.New("validate period: dependencies not configured")
	}
	payload, err := decodePeriodPayload(task)
	if err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskValidatePeriod)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Runner.ValidatePeriod(ctx, payload.PeriodID, payload.ActorID)
	if err != nil {
		j.log(TaskValidatePeriod).Error("validate period", slog.Int64("period_id", payload.PeriodID), slog.Any("error", err))
		return retryable(err)
	}
	j.log(TaskValidatePeriod).Info("validated period",
		slog.Int64("period_id", payload.PeriodID),
		slog.Int("archived", res.Archived),
		slog.Bool("posted", res.Posted))
	return nil
}

// retryable marks errors that a retry cannot fix.
func retryable(err error) error {
	switch {
	case errors.Is(err, payrun.ErrPeriodBusy):
		return err
	case errors.Is(err, periods.ErrNotFound),
		errors.Is(err, periods.ErrInvalidTransition),
		errors.Is(err, periods.ErrPeriodAlreadyValidated),
		errors.Is(err, rules.ErrConfigurationMissing):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *PeriodJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PeriodJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}
