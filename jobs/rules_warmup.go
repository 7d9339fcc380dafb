package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gn-erp/paie/internal/jobs"
)

// RuleWarmer loads a rule snapshot into the cache.
type RuleWarmer interface {
	Warm(ctx context.Context, employerID int64, year int) error
}

// EmployerLister enumerates the employers to warm.
type EmployerLister interface {
	EmployerIDs(ctx context.Context) ([]int64, error)
}

// RulesWarmupJob preloads rule snapshots before the monthly run.
type RulesWarmupJob struct {
	Warmer    RuleWarmer
	Employers EmployerLister
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewRulesWarmupJob constructs the job handler.
func NewRulesWarmupJob(warmer RuleWarmer, employers EmployerLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *RulesWarmupJob {
	return &RulesWarmupJob{
		Warmer:    warmer,
		Employers: employers,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (j *RulesWarmupJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

// Handle executes TaskRulesWarmup. One employer failing does not stop the
// others; the joined error triggers a retry.
func (j *RulesWarmupJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Warmer == nil || j.Employers == nil {
		return errors.New("rules warmup: dependencies not configured")
	}
	var payload WarmupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TaskRulesWarmup, err, asynq.SkipRetry)
		}
	}
	metrics := defaultJobMetrics
	if j.Metrics != nil {
		metrics = j.Metrics
	}
	logger := slog.Default()
	if j.Logger != nil {
		logger = j.Logger
	}
	logger = logger.With(slog.String("job", TaskRulesWarmup))

	tracker := metrics.Track(TaskRulesWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	year := payload.Year
	if year == 0 {
		year = j.now().Year()
	}
	ids := []int64{payload.EmployerID}
	if payload.EmployerID == 0 {
		var err error
		ids, err = j.Employers.EmployerIDs(ctx)
		if err != nil {
			logger.Error("list employers", slog.Any("error", err))
			return err
		}
	}

	var errs []error
	warmed := 0
	for _, id := range ids {
		if err := j.Warmer.Warm(ctx, id, year); err != nil {
			logger.Warn("warm rules", slog.Int64("employer_id", id), slog.Int("year", year), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("employer %d: %w", id, err))
			continue
		}
		warmed++
	}
	logger.Info("rules warmed", slog.Int("employers", warmed), slog.Int("year", year))
	return errors.Join(errs...)
}

func (j *RulesWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
