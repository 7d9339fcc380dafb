package payroll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
)

// RuleSource exposes the cached rule set.
type RuleSource interface {
	Snapshot(ctx context.Context, employerID int64, year int) (*rules.Snapshot, error)
	SalaryElements(ctx context.Context, employerID, employeeID int64, year, month int) ([]rules.SalaryElement, error)
	EmployerElements(ctx context.Context, employerID int64, year, month int) (map[int64][]rules.SalaryElement, error)
	TaxBrackets(ctx context.Context, employerID int64, year int) ([]rules.Bracket, error)
}

// EmployeeSource is the read-only view of the employee registry.
type EmployeeSource interface {
	ActiveEmployees(ctx context.Context, employerID int64, day time.Time) ([]Employee, error)
	Employee(ctx context.Context, employerID, employeeID int64) (Employee, error)
}

// InputSource returns attendance figures and HR events for a month.
type InputSource interface {
	MonthlyInputs(ctx context.Context, employeeID int64, year, month int) (MonthlyInputs, error)
	Events(ctx context.Context, employeeID int64, from, to time.Time) ([]Event, error)
}

// PeriodInputSource is implemented by input sources able to read a whole
// employer month at once.
type PeriodInputSource interface {
	PeriodInputs(ctx context.Context, employerID int64, year, month int) (map[int64]MonthlyInputs, error)
	PeriodEvents(ctx context.Context, employerID int64, from, to time.Time) (map[int64][]Event, error)
}

// Prefetched holds the per-employee data of one employer month, loaded once
// for a batch.
type Prefetched struct {
	EmployerID int64
	Year       int
	Month      int
	Elements   map[int64][]rules.SalaryElement
	Inputs     map[int64]MonthlyInputs
	Events     map[int64][]Event
	// batched is false when the input source cannot read a month at once;
	// inputs and events are then read per employee.
	batched bool
}

// Service computes slips without persisting them.
type Service struct {
	rules    RuleSource
	inputs   InputSource
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the slip computation service. inputs may be nil when no
// attendance or events are recorded.
func NewService(source RuleSource, inputs InputSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{rules: source, inputs: inputs, validate: validator.New(), logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ComputeInput identifies one slip computation.
type ComputeInput struct {
	Employee    Employee
	Year        int
	Month       int
	WorkingDays int
	Adjustments Adjustments
	// Snapshot pins the rule set for a batch; loaded from the rule source when nil.
	Snapshot *rules.Snapshot
	// Prefetched replaces the per-employee reads of a batch when set.
	Prefetched *Prefetched
}

// Prefetch reads the elements, attendance and events of every employee of the
// employer for one month.
func (s *Service) Prefetch(ctx context.Context, employerID int64, year, month int) (*Prefetched, error) {
	elements, err := s.rules.EmployerElements(ctx, employerID, year, month)
	if err != nil {
		return nil, err
	}
	p := &Prefetched{EmployerID: employerID, Year: year, Month: month, Elements: elements}
	batch, ok := s.inputs.(PeriodInputSource)
	if !ok {
		p.batched = s.inputs == nil
		return p, nil
	}
	if p.Inputs, err = batch.PeriodInputs(ctx, employerID, year, month); err != nil {
		return nil, fmt.Errorf("load monthly inputs: %w", err)
	}
	from, to := periods.Bounds(year, month)
	if p.Events, err = batch.PeriodEvents(ctx, employerID, from, to); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	p.batched = true
	return p, nil
}

func (p *Prefetched) covers(in ComputeInput) bool {
	return p != nil && p.EmployerID == in.Employee.EmployerID && p.Year == in.Year && p.Month == in.Month
}

// Compute builds and calculates the slip of one employee for one month.
func (s *Service) Compute(ctx context.Context, in ComputeInput) (Slip, error) {
	snap := in.Snapshot
	if snap == nil {
		var err error
		if snap, err = s.rules.Snapshot(ctx, in.Employee.EmployerID, in.Year); err != nil {
			return Slip{}, err
		}
	}
	var (
		elements []rules.SalaryElement
		inputs   MonthlyInputs
		events   []Event
		err      error
	)
	pre := in.Prefetched
	if !pre.covers(in) {
		pre = nil
	}
	if pre != nil {
		elements, err = rules.ResolveElements(snap.Rubrics, pre.Elements[in.Employee.ID])
	} else {
		elements, err = s.rules.SalaryElements(ctx, in.Employee.EmployerID, in.Employee.ID, in.Year, in.Month)
	}
	if err != nil {
		return Slip{}, err
	}

	if pre != nil && pre.batched {
		inputs = pre.Inputs[in.Employee.ID]
		events = pre.Events[in.Employee.ID]
	} else if s.inputs != nil {
		if inputs, err = s.inputs.MonthlyInputs(ctx, in.Employee.ID, in.Year, in.Month); err != nil {
			return Slip{}, fmt.Errorf("load monthly inputs: %w", err)
		}
		from, to := periods.Bounds(in.Year, in.Month)
		if events, err = s.inputs.Events(ctx, in.Employee.ID, from, to); err != nil {
			return Slip{}, fmt.Errorf("load events: %w", err)
		}
	}

	workingDays := in.WorkingDays
	if workingDays <= 0 {
		workingDays = periods.WorkingDays(in.Year, in.Month)
	}
	slip, err := s.compute(BuildInput{
		Employee:    in.Employee,
		Year:        in.Year,
		Month:       in.Month,
		WorkingDays: workingDays,
		Elements:    elements,
		Inputs:      inputs,
		Events:      events,
		Snapshot:    snap,
	}, in.Adjustments)
	if err != nil {
		return Slip{}, err
	}
	slip.AccessToken = uuid.New()
	return slip, nil
}

func (s *Service) compute(in BuildInput, adj Adjustments) (Slip, error) {
	built, err := Build(in)
	if err != nil {
		return Slip{}, err
	}
	slip, err := Calculate(CalcInput{
		Employee:    in.Employee,
		Year:        in.Year,
		Month:       in.Month,
		Built:       built,
		Snapshot:    in.Snapshot,
		Adjustments: adj,
	})
	if err != nil {
		return Slip{}, err
	}
	slip.ComputedAt = s.now().UTC()
	if err := slip.CheckBalance(); err != nil {
		return Slip{}, err
	}
	s.logger.Debug("slip computed",
		slog.String("slip", slip.Number),
		slog.String("gross", slip.Gross.String()),
		slog.String("net", slip.Net.String()),
		slog.Any("warnings", slip.Warnings))
	return slip, nil
}

// SimulatedElement is an extra line requested in a simulation.
type SimulatedElement struct {
	RubricCode string           `validate:"required,max=64"`
	Amount     *decimal.Decimal `validate:"-"`
	Rate       *decimal.Decimal `validate:"-"`
	BaseRef    string           `validate:"max=64"`
	Quantity   *decimal.Decimal `validate:"-"`
}

// SimulateInput describes a hypothetical employee.
type SimulateInput struct {
	EmployerID    int64              `validate:"required,gt=0"`
	Year          int                `validate:"required,gte=2000,lte=2100"`
	Month         int                `validate:"required,gte=1,lte=12"`
	Category      hr.Category        `validate:"omitempty,oneof=CADRE AGENT_MAITRISE EMPLOYE"`
	MaritalStatus string             `validate:"max=32"`
	Children      int                `validate:"gte=0,lte=20"`
	Contract      ContractType       `validate:"omitempty,oneof=CDI CDD STAGIAIRE APPRENTI"`
	HireDate      *time.Time         `validate:"-"`
	BaseSalary    decimal.Decimal    `validate:"-"`
	Inputs        MonthlyInputs      `validate:"-"`
	Extra         []SimulatedElement `validate:"dive"`
}

// Simulate computes a slip for a hypothetical employee with the same code path
// as Compute. Nothing is persisted.
func (s *Service) Simulate(ctx context.Context, in SimulateInput) (Slip, error) {
	if err := s.validate.Struct(in); err != nil {
		return Slip{}, fmt.Errorf("%w: %v", hr.ErrInvalidInput, err)
	}
	if in.BaseSalary.IsNegative() {
		return Slip{}, fmt.Errorf("%w: negative base salary", hr.ErrInvalidInput)
	}
	snap, err := s.rules.Snapshot(ctx, in.EmployerID, in.Year)
	if err != nil {
		return Slip{}, err
	}

	first := rules.FirstDay(in.Year, in.Month)
	hire := first
	if in.HireDate != nil {
		hire = *in.HireDate
	}
	contract := in.Contract
	if contract == "" {
		contract = ContractCDI
	}
	category := in.Category
	if category == "" {
		category = hr.CategoryEmployee
	}
	emp := Employee{
		EmployerID:        in.EmployerID,
		Matricule:         "SIMULATION",
		FullName:          "Simulation",
		HireDate:          hire,
		Contract:          contract,
		Category:          category,
		MaritalStatus:     in.MaritalStatus,
		DependentChildren: in.Children,
		Active:            true,
	}

	elements, err := simulatedElements(snap, in, first)
	if err != nil {
		return Slip{}, err
	}
	children := in.Children
	return s.compute(BuildInput{
		Employee:         emp,
		Year:             in.Year,
		Month:            in.Month,
		WorkingDays:      periods.WorkingDays(in.Year, in.Month),
		Elements:         elements,
		Inputs:           in.Inputs,
		Snapshot:         snap,
		ChildrenOverride: &children,
	}, Adjustments{})
}

func simulatedElements(snap *rules.Snapshot, in SimulateInput, from time.Time) ([]rules.SalaryElement, error) {
	var out []rules.SalaryElement
	add := func(code string, amount, rate *decimal.Decimal, baseRef string, qty *decimal.Decimal) error {
		r, err := snap.Rubric(code)
		if err != nil {
			return err
		}
		out = append(out, rules.SalaryElement{
			ID:         int64(len(out) + 1),
			EmployerID: in.EmployerID,
			RubricCode: r.Code,
			Amount:     amount,
			Rate:       rate,
			BaseRef:    baseRef,
			Quantity:   qty,
			ValidFrom:  from,
			Recurrent:  true,
			Active:     true,
			Rubric:     r,
		})
		return nil
	}
	if in.BaseSalary.IsPositive() {
		salary := in.BaseSalary
		if err := add(rules.RubricBaseSalaryCode, &salary, nil, "", nil); err != nil {
			return nil, err
		}
	}
	hasFamily := false
	for _, x := range in.Extra {
		code := strings.ToUpper(strings.TrimSpace(x.RubricCode))
		hasFamily = hasFamily || code == CodeFamilyAllowance
		if err := add(code, x.Amount, x.Rate, x.BaseRef, x.Quantity); err != nil {
			return nil, err
		}
	}
	if in.Children > 0 && !hasFamily {
		if _, ok := snap.Rubrics[CodeFamilyAllowance]; ok {
			if err := add(CodeFamilyAllowance, nil, nil, "", nil); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// CanonicalBracketTable returns the bracket table applied to year, ordered by
// ordinal.
func (s *Service) CanonicalBracketTable(ctx context.Context, employerID int64, year int) ([]rules.Bracket, error) {
	brackets, err := s.rules.TaxBrackets(ctx, employerID, year)
	if err != nil {
		return nil, err
	}
	return rules.SortBrackets(brackets), nil
}
