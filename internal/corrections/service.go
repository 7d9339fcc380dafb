package corrections

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
)

// Store reads and writes ledger entries.
type Store interface {
	Insert(ctx context.Context, a Adjustment) (Adjustment, error)
	Load(ctx context.Context, id int64) (Adjustment, error)
	Outstanding(ctx context.Context, employeeID int64) ([]Adjustment, error)
	ForEmployee(ctx context.Context, employeeID int64) ([]Adjustment, error)
	Apply(ctx context.Context, app Application) error
}

// RepositoryPort is a Store that can also open a transaction.
type RepositoryPort interface {
	Store
	WithTx(ctx context.Context, fn func(context.Context, Store) error) error
}

// Service registers corrections and settles them against slips.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the correction engine.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, validate: validator.New(), logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RegisterInput describes a back pay or overpayment entry.
type RegisterInput struct {
	EmployerID  int64           `validate:"required,gt=0"`
	EmployeeID  int64           `validate:"required,gt=0"`
	ActorID     int64           `validate:"gte=0"`
	Amount      decimal.Decimal `validate:"-"`
	Reason      string          `validate:"required,max=500"`
	TargetYear  int             `validate:"required,gte=2000,lte=2100"`
	TargetMonth int             `validate:"required,gte=1,lte=12"`
}

// RegisterRappel records back pay owed to the employee, paid by the slip of
// the target month or the first slip after it.
func (s *Service) RegisterRappel(ctx context.Context, in RegisterInput) (Adjustment, error) {
	return s.register(ctx, KindBackPay, in)
}

// RegisterTropPercu records an overpayment recovered from the slip of the
// target month onwards.
func (s *Service) RegisterTropPercu(ctx context.Context, in RegisterInput) (Adjustment, error) {
	return s.register(ctx, KindOverpayment, in)
}

func (s *Service) register(ctx context.Context, kind Kind, in RegisterInput) (Adjustment, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.validate.Struct(in); err != nil {
		return Adjustment{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !in.Amount.IsPositive() {
		return Adjustment{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	a, err := s.repo.Insert(ctx, Adjustment{
		EmployerID:  in.EmployerID,
		EmployeeID:  in.EmployeeID,
		Kind:        kind,
		Amount:      in.Amount,
		Reason:      in.Reason,
		TargetYear:  in.TargetYear,
		TargetMonth: in.TargetMonth,
		CreatedBy:   in.ActorID,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.logger.Info("correction registered",
		slog.Int64("employee_id", in.EmployeeID),
		slog.String("kind", string(kind)),
		slog.String("amount", in.Amount.String()))
	return a, nil
}

// CarryForward queues the deduction a slip could not withhold for the month
// following the slip. The entry disappears with the slip.
func (s *Service) CarryForward(ctx context.Context, st Store, slip payroll.Slip) (Adjustment, error) {
	if !slip.DeductionDeferred.IsPositive() {
		return Adjustment{}, nil
	}
	if slip.ID == 0 {
		return Adjustment{}, fmt.Errorf("%w: slip %s is not persisted", ErrInvalidInput, slip.Number)
	}
	year, month := periods.Next(slip.Year, slip.Month)
	origin := slip.ID
	return st.Insert(ctx, Adjustment{
		EmployerID:   slip.EmployerID,
		EmployeeID:   slip.EmployeeID,
		Kind:         KindDeferred,
		Amount:       slip.DeductionDeferred,
		Reason:       fmt.Sprintf("retenue reportée de %s", slip.Number),
		TargetYear:   year,
		TargetMonth:  month,
		OriginSlipID: &origin,
		CreatedAt:    s.now().UTC(),
	})
}

// WriteOffInput abandons what remains of an entry.
type WriteOffInput struct {
	EmployerID   int64  `validate:"required,gt=0"`
	AdjustmentID int64  `validate:"required,gt=0"`
	ActorID      int64  `validate:"gte=0"`
	Reason       string `validate:"required,max=500"`
}

// WriteOff closes the remaining balance of an entry with a WRITE_OFF entry.
func (s *Service) WriteOff(ctx context.Context, in WriteOffInput) (Adjustment, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.validate.Struct(in); err != nil {
		return Adjustment{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, st Store) error {
		target, err := st.Load(ctx, in.AdjustmentID)
		if err != nil {
			return err
		}
		if target.EmployerID != in.EmployerID || target.Kind == KindWriteOff {
			return ErrNotFound
		}
		remaining := target.Remaining()
		if !remaining.IsPositive() {
			return fmt.Errorf("%w: adjustment %d", ErrNothingOutstanding, target.ID)
		}
		parent := target.ID
		out, err = st.Insert(ctx, Adjustment{
			EmployerID:  target.EmployerID,
			EmployeeID:  target.EmployeeID,
			Kind:        KindWriteOff,
			Amount:      remaining,
			Reason:      in.Reason,
			TargetYear:  target.TargetYear,
			TargetMonth: target.TargetMonth,
			ParentID:    &parent,
			CreatedBy:   in.ActorID,
			CreatedAt:   s.now().UTC(),
		})
		return err
	})
	if err != nil {
		return Adjustment{}, err
	}
	return out, nil
}

// Pending returns the totals a slip of (year, month) must take into account.
func (s *Service) Pending(ctx context.Context, employeeID int64, year, month int) (Pending, error) {
	return s.PendingIn(ctx, s.repo, employeeID, year, month)
}

// PendingIn is Pending against a transaction-bound store.
func (s *Service) PendingIn(ctx context.Context, st Store, employeeID int64, year, month int) (Pending, error) {
	items, err := st.Outstanding(ctx, employeeID)
	if err != nil {
		return Pending{}, err
	}
	p := Pending{BackPay: decimal.Zero, Overpayment: decimal.Zero, Carried: decimal.Zero}
	for _, a := range items {
		if !a.Due(year, month) {
			continue
		}
		remaining := a.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		switch a.Kind {
		case KindBackPay:
			p.BackPay = p.BackPay.Add(remaining)
		case KindOverpayment:
			p.Overpayment = p.Overpayment.Add(remaining)
		case KindDeferred:
			p.Carried = p.Carried.Add(remaining)
		default:
			continue
		}
		p.Items = append(p.Items, a)
	}
	return p, nil
}

// Settle records what the persisted slip consumed from pending, oldest entry
// first, then queues the deduction it deferred.
func (s *Service) Settle(ctx context.Context, st Store, slip payroll.Slip, pending Pending) error {
	budgets := map[Kind]decimal.Decimal{
		KindBackPay:     slip.BackPay,
		KindOverpayment: slip.OverpaymentWithheld,
		KindDeferred:    slip.DeductionCarriedIn,
	}
	for _, a := range pending.Items {
		budget := budgets[a.Kind]
		if !budget.IsPositive() {
			continue
		}
		amount := decimal.Min(budget, a.Remaining())
		if !amount.IsPositive() {
			continue
		}
		if err := st.Apply(ctx, Application{AdjustmentID: a.ID, SlipID: slip.ID, Amount: amount}); err != nil {
			return fmt.Errorf("apply adjustment %d to %s: %w", a.ID, slip.Number, err)
		}
		budgets[a.Kind] = budget.Sub(amount)
	}
	_, err := s.CarryForward(ctx, st, slip)
	return err
}

// Balance checks the employee's ledger: no entry may be consumed beyond its
// amount, and what is registered equals what is settled plus what remains.
func (s *Service) Balance(ctx context.Context, employeeID int64) (Balance, error) {
	items, err := s.repo.ForEmployee(ctx, employeeID)
	if err != nil {
		return Balance{}, err
	}
	b := Balance{EmployeeID: employeeID}
	for _, a := range items {
		if a.Kind == KindWriteOff {
			continue
		}
		if a.Remaining().IsNegative() {
			return b, fmt.Errorf("%w: adjustment %d consumed %s of %s", ErrImbalance, a.ID, a.Applied.Add(a.WrittenOff), a.Amount)
		}
		switch a.Kind {
		case KindBackPay:
			b.BackPayRegistered = b.BackPayRegistered.Add(a.Amount)
			b.BackPayPaid = b.BackPayPaid.Add(a.Applied)
		case KindOverpayment:
			b.OverpaymentRegistered = b.OverpaymentRegistered.Add(a.Amount)
			b.OverpaymentRecovered = b.OverpaymentRecovered.Add(a.Applied)
		case KindDeferred:
			b.DeferredRegistered = b.DeferredRegistered.Add(a.Amount)
			b.DeferredRecovered = b.DeferredRecovered.Add(a.Applied)
		}
		b.WrittenOff = b.WrittenOff.Add(a.WrittenOff)
		b.Outstanding = b.Outstanding.Add(a.Remaining())
	}
	registered := b.BackPayRegistered.Add(b.OverpaymentRegistered).Add(b.DeferredRegistered)
	settled := b.BackPayPaid.Add(b.OverpaymentRecovered).Add(b.DeferredRecovered).Add(b.WrittenOff)
	if !registered.Equal(settled.Add(b.Outstanding)) {
		return b, fmt.Errorf("%w: registered %s, settled %s, outstanding %s", ErrImbalance, registered, settled, b.Outstanding)
	}
	return b, nil
}
