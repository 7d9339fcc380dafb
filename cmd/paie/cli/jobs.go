package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/gn-erp/paie/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// BuildTask maps a job name and its positional arguments to a task.
//
//	payroll:compute_period  <period_id> [actor_id]
//	payroll:validate_period <period_id> [actor_id]
//	archive:verify
//	rules:warmup            [employer_id] [year]
func BuildTask(name string, args []string) (*asynq.Task, error) {
	ints := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("jobs cli: argument %q is not an integer", a)
		}
		ints[i] = v
	}
	arg := func(i int) int64 {
		if i < len(ints) {
			return ints[i]
		}
		return 0
	}
	switch name {
	case jobs.TaskComputePeriod:
		return jobs.NewComputePeriodTask(arg(0), arg(1))
	case jobs.TaskValidatePeriod:
		return jobs.NewValidatePeriodTask(arg(0), arg(1))
	case jobs.TaskArchiveVerify:
		return jobs.NewArchiveVerifyTask(), nil
	case jobs.TaskRulesWarmup:
		return jobs.NewRulesWarmupTask(arg(0), int(arg(1)))
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, args []string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, args)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the metrics of every worker queue. Queues that were
// never written to are reported empty.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	out := make([]QueueStats, 0, 3)
	for _, queue := range []string{jobs.QueuePayroll, jobs.QueueDefault, jobs.QueueMaintenance} {
		stats := QueueStats{Queue: queue}
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, err
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// ListScheduled returns scheduled task infos of queue for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, queue string, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(queue, asynq.PageSize(size), asynq.Page(1))
}
