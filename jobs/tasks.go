package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gn-erp/paie/internal/jobs"
)

const (
	// QueuePayroll carries period computations and validations.
	QueuePayroll = "payroll"
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMaintenance carries archive verification and cache warmups.
	QueueMaintenance = "maintenance"
)

const (
	// TaskComputePeriod computes every slip of a pay period.
	TaskComputePeriod = "payroll:compute_period"
	// TaskValidatePeriod validates, archives and posts a computed period.
	TaskValidatePeriod = "payroll:validate_period"
	// TaskArchiveVerify re-hashes every archived slip.
	TaskArchiveVerify = "archive:verify"
	// TaskRulesWarmup loads the rule snapshot of every employer into the cache.
	TaskRulesWarmup = "rules:warmup"
)

// periodTaskTimeout bounds a single compute or validate run.
const periodTaskTimeout = 30 * time.Minute

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PeriodPayload identifies the period a payroll task works on.
type PeriodPayload struct {
	PeriodID int64 `json:"period_id"`
	ActorID  int64 `json:"actor_id"`
}

// WarmupPayload scopes a rules warmup. Zero values mean every employer and
// the current year.
type WarmupPayload struct {
	EmployerID int64 `json:"employer_id,omitempty"`
	Year       int   `json:"year,omitempty"`
}

// NewComputePeriodTask creates the task computing a period. The task id makes
// a second enqueue of the same period a no-op while the first is pending.
func NewComputePeriodTask(periodID, actorID int64) (*asynq.Task, error) {
	return newPeriodTask(TaskComputePeriod, periodID, actorID)
}

// NewValidatePeriodTask creates the task validating a period.
func NewValidatePeriodTask(periodID, actorID int64) (*asynq.Task, error) {
	return newPeriodTask(TaskValidatePeriod, periodID, actorID)
}

func newPeriodTask(typ string, periodID, actorID int64) (*asynq.Task, error) {
	if periodID <= 0 {
		return nil, fmt.Errorf("%s: period id must be positive", typ)
	}
	body, err := json.Marshal(PeriodPayload{PeriodID: periodID, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body,
		asynq.Queue(QueuePayroll),
		asynq.TaskID(fmt.Sprintf("%s:%d", typ, periodID)),
		asynq.MaxRetry(3),
		asynq.Timeout(periodTaskTimeout),
	), nil
}

// NewArchiveVerifyTask creates the archive verification task.
func NewArchiveVerifyTask() *asynq.Task {
	return asynq.NewTask(TaskArchiveVerify, nil, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1))
}

// NewRulesWarmupTask creates a rules warmup task.
func NewRulesWarmupTask(employerID int64, year int) (*asynq.Task, error) {
	body, err := json.Marshal(WarmupPayload{EmployerID: employerID, Year: year})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRulesWarmup, body, asynq.Queue(QueueMaintenance), asynq.MaxRetry(2)), nil
}

func decodePeriodPayload(task *asynq.Task) (PeriodPayload, error) {
	var payload PeriodPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	if payload.PeriodID <= 0 {
		return payload, fmt.Errorf("%s: missing period id: %w", task.Type(), asynq.SkipRetry)
	}
	return payload, nil
}
