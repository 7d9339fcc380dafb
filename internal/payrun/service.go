package payrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/integration"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
)

// Config wires the collaborators of a Service.
type Config struct {
	DB          Database
	Periods     *periods.Service
	Payroll     *payroll.Service
	Employees   payroll.EmployeeSource
	Corrections *corrections.Service
	Archive     *archive.Service
	Snapshots   SnapshotSource
	Journal     Journal
	Locker      Locker
	Metrics     Metrics
	// AbortOnSlipError fails the whole batch on the first employee error.
	AbortOnSlipError bool
	Logger           *slog.Logger
}

// Service orchestrates pay period computations and lifecycle transitions.
type Service struct {
	db           Database
	periods      *periods.Service
	payroll      *payroll.Service
	employees    payroll.EmployeeSource
	corrections  *corrections.Service
	archive      *archive.Service
	snapshots    SnapshotSource
	journal      Journal
	locker       Locker
	metrics      Metrics
	abortOnError bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs a Service instance.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = noopLocker{}
	}
	return &Service{
		db:           cfg.DB,
		periods:      cfg.Periods,
		payroll:      cfg.Payroll,
		employees:    cfg.Employees,
		corrections:  cfg.Corrections,
		archive:      cfg.Archive,
		snapshots:    cfg.Snapshots,
		journal:      cfg.Journal,
		locker:       locker,
		metrics:      cfg.Metrics,
		abortOnError: cfg.AbortOnSlipError,
		logger:       logger,
		now:          time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a new pay period.
func (s *Service) Create(ctx context.Context, in periods.CreateInput) (periods.Period, error) {
	return s.periods.Create(ctx, in)
}

// ComputePeriod replaces every slip of the period with a fresh computation for
// each active employee, in matricule order, then marks the period COMPUTED.
// An employee whose slip fails is reported in the result and skipped, unless
// the configuration is incomplete or the service aborts on slip errors.
func (s *Service) ComputePeriod(ctx context.Context, periodID, actorID int64) (Result, error) {
	start := s.now()
	release, err := s.locker.Lock(ctx, periodID)
	if err != nil {
		return Result{}, err
	}
	defer s.unlock(ctx, periodID, release)

	period, err := s.periods.Get(ctx, periodID)
	if err != nil {
		return Result{}, err
	}
	if err := periods.CanTransition(period.Status, periods.StatusComputed); err != nil {
		return Result{}, err
	}
	snap, err := s.snapshots.Snapshot(ctx, period.EmployerID, period.Year)
	if err != nil {
		return Result{}, err
	}
	_, end := periods.Bounds(period.Year, period.Month)
	employees, err := s.employees.ActiveEmployees(ctx, period.EmployerID, end)
	if err != nil {
		return Result{}, fmt.Errorf("load employees: %w", err)
	}
	sort.SliceStable(employees, func(i, j int) bool { return employees[i].Matricule < employees[j].Matricule })
	batch, err := s.payroll.Prefetch(ctx, period.EmployerID, period.Year, period.Month)
	if err != nil {
		return Result{}, fmt.Errorf("prefetch: %w", err)
	}

	result := Result{PeriodID: periodID}
	err = s.db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		result = Result{PeriodID: periodID}
		p, err := tx.Periods().LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if err := periods.CanTransition(p.Status, periods.StatusComputed); err != nil {
			return err
		}
		if result.Deleted, err = tx.Slips().DeleteForPeriod(ctx, periodID); err != nil {
			return fmt.Errorf("delete slips: %w", err)
		}
		for _, emp := range employees {
			err := tx.Savepoint(ctx, func(ctx context.Context, sp Tx) error {
				_, err := s.computeSlip(ctx, sp, p, emp, snap, batch)
				return err
			})
			if err == nil {
				result.Created++
				continue
			}
			if errors.Is(err, rules.ErrConfigurationMissing) || s.abortOnError {
				return fmt.Errorf("slip of %s: %w", emp.Matricule, err)
			}
			s.logger.Warn("slip computation failed",
				slog.Int64("period_id", periodID),
				slog.Int64("employee_id", emp.ID),
				slog.String("matricule", emp.Matricule),
				slog.Any("error", err))
			result.Errors = append(result.Errors, SlipError{EmployeeID: emp.ID, Matricule: emp.Matricule, Message: err.Error()})
		}
		_, err = s.periods.Transition(ctx, tx.Periods(), p, periods.StatusComputed, actorID)
		return err
	})
	result.Elapsed = s.now().Sub(start)
	if err != nil {
		return Result{}, err
	}
	if s.metrics != nil {
		s.metrics.ObservePeriod(period.EmployerID, result.Created, len(result.Errors), result.Elapsed)
	}
	s.logger.Info("pay period computed",
		slog.Int64("period_id", periodID),
		slog.String("period", period.Label()),
		slog.Int("created", result.Created),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("elapsed", result.Elapsed))
	return result, nil
}

// ComputeSlip recomputes the slip of one employee in an open or computed period.
func (s *Service) ComputeSlip(ctx context.Context, periodID, employeeID int64) (payroll.Slip, error) {
	release, err := s.locker.Lock(ctx, periodID)
	if err != nil {
		return payroll.Slip{}, err
	}
	defer s.unlock(ctx, periodID, release)

	period, err := s.periods.Get(ctx, periodID)
	if err != nil {
		return payroll.Slip{}, err
	}
	if err := periods.CanTransition(period.Status, periods.StatusComputed); err != nil {
		return payroll.Slip{}, err
	}
	emp, err := s.employees.Employee(ctx, period.EmployerID, employeeID)
	if err != nil {
		return payroll.Slip{}, err
	}
	snap, err := s.snapshots.Snapshot(ctx, period.EmployerID, period.Year)
	if err != nil {
		return payroll.Slip{}, err
	}
	var slip payroll.Slip
	err = s.db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.Periods().LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if err := periods.CanTransition(p.Status, periods.StatusComputed); err != nil {
			return err
		}
		if err := tx.Slips().DeleteSlip(ctx, employeeID, periodID); err != nil {
			return fmt.Errorf("delete slip: %w", err)
		}
		slip, err = s.computeSlip(ctx, tx, p, emp, snap, nil)
		return err
	})
	if err != nil {
		return payroll.Slip{}, err
	}
	s.logger.Info("slip recomputed", slog.Int64("period_id", periodID), slog.String("slip", slip.Number))
	return slip, nil
}

func (s *Service) computeSlip(ctx context.Context, tx Tx, p periods.Period, emp payroll.Employee, snap *rules.Snapshot, batch *payroll.Prefetched) (payroll.Slip, error) {
	pending, err := s.corrections.PendingIn(ctx, tx.Corrections(), emp.ID, p.Year, p.Month)
	if err != nil {
		return payroll.Slip{}, fmt.Errorf("load corrections: %w", err)
	}
	slip, err := s.payroll.Compute(ctx, payroll.ComputeInput{
		Employee:    emp,
		Year:        p.Year,
		Month:       p.Month,
		WorkingDays: p.WorkingDays,
		Adjustments: pending.Adjustments(),
		Snapshot:    snap,
		Prefetched:  batch,
	})
	if err != nil {
		return payroll.Slip{}, err
	}
	slip.PeriodID = p.ID
	if err := tx.Slips().InsertSlip(ctx, &slip); err != nil {
		return payroll.Slip{}, err
	}
	if err := s.corrections.Settle(ctx, tx.Corrections(), slip, pending); err != nil {
		return payroll.Slip{}, err
	}
	return slip, nil
}

// ValidatePeriod freezes the slips of a computed period and archives them in
// matricule order. An archive failure leaves the period COMPUTED. The payroll
// journal is posted once the validation is committed.
func (s *Service) ValidatePeriod(ctx context.Context, periodID, actorID int64) (ValidateResult, error) {
	release, err := s.locker.Lock(ctx, periodID)
	if err != nil {
		return ValidateResult{}, err
	}
	defer s.unlock(ctx, periodID, release)

	var (
		out   ValidateResult
		slips []payroll.Slip
	)
	err = s.db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.Periods().LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if err := periods.CanTransition(p.Status, periods.StatusValidated); err != nil {
			return err
		}
		if slips, err = tx.Slips().SlipsForPeriod(ctx, periodID); err != nil {
			return err
		}
		sort.SliceStable(slips, func(i, j int) bool { return slips[i].Matricule < slips[j].Matricule })
		if err := tx.Slips().SetStatusForPeriod(ctx, periodID, payroll.SlipValidated); err != nil {
			return err
		}
		for i := range slips {
			slips[i].Status = payroll.SlipValidated
			if s.archive == nil {
				continue
			}
			if _, err := s.archive.Archive(ctx, tx.Archive(), slips[i], p.EndDate); err != nil {
				return fmt.Errorf("archive slip %s: %w", slips[i].Number, err)
			}
			out.Archived++
		}
		out.Period, err = s.periods.Transition(ctx, tx.Periods(), p, periods.StatusValidated, actorID)
		return err
	})
	if err != nil {
		return ValidateResult{}, err
	}
	s.logger.Info("pay period validated",
		slog.Int64("period_id", periodID),
		slog.Int("slips", len(slips)),
		slog.Int("archived", out.Archived))

	if s.journal != nil {
		evt := integration.PayrollValidatedEvent{
			EmployerID: out.Period.EmployerID,
			PeriodID:   out.Period.ID,
			Year:       out.Period.Year,
			Month:      out.Period.Month,
			PeriodEnd:  out.Period.EndDate,
			Slips:      slips,
		}
		if err := s.journal.HandlePayrollValidated(ctx, evt); err != nil {
			s.logger.Error("post payroll journal", slog.Int64("period_id", periodID), slog.Any("error", err))
		} else {
			out.Posted = true
		}
	}
	return out, nil
}

// ClosePeriod applies the administrative lock on a validated period.
func (s *Service) ClosePeriod(ctx context.Context, periodID, actorID int64) (periods.Period, error) {
	return s.transition(ctx, periodID, actorID, periods.StatusClosed, "")
}

// MarkPaid records the payment of a closed period and its slips.
func (s *Service) MarkPaid(ctx context.Context, periodID, actorID int64) (periods.Period, error) {
	return s.transition(ctx, periodID, actorID, periods.StatusPaid, payroll.SlipPaid)
}

func (s *Service) transition(ctx context.Context, periodID, actorID int64, to periods.Status, slipStatus payroll.SlipStatus) (periods.Period, error) {
	var out periods.Period
	err := s.db.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.Periods().LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if out, err = s.periods.Transition(ctx, tx.Periods(), p, to, actorID); err != nil {
			return err
		}
		if slipStatus != "" {
			return tx.Slips().SetStatusForPeriod(ctx, periodID, slipStatus)
		}
		return nil
	})
	if err != nil {
		return periods.Period{}, err
	}
	s.logger.Info("pay period status changed",
		slog.Int64("period_id", periodID),
		slog.String("status", string(to)),
		slog.Int64("actor_id", actorID))
	return out, nil
}

func (s *Service) unlock(ctx context.Context, periodID int64, release func(context.Context) error) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("release period lock", slog.Int64("period_id", periodID), slog.Any("error", err))
	}
}
