package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/history"
	"github.com/gn-erp/paie/internal/money"
)

// Invalidator evicts cached rules after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, scope Scope) error
}

// Service coordinates writes to the rule store.
type Service struct {
	repo     RepositoryPort
	cache    Invalidator
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the rule write service.
func NewService(repo RepositoryPort, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, validate: validator.New(), logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetConstantInput defines a new value for a constant from ValidFrom on.
type SetConstantInput struct {
	EmployerID int64           `validate:"required,gt=0"`
	ActorID    int64           `validate:"gte=0"`
	Code       string          `validate:"required,max=64"`
	Label      string          `validate:"max=200"`
	Value      decimal.Decimal `validate:"-"`
	Kind       ConstantKind    `validate:"required,oneof=AMOUNT PERCENT NUMBER"`
	Category   string          `validate:"max=64"`
	ValidFrom  time.Time       `validate:"required"`
}

// SetConstant records a new dated value; the previous value stops the day before.
func (s *Service) SetConstant(ctx context.Context, in SetConstantInput) (Constant, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	if err := s.validate.Struct(in); err != nil {
		return Constant{}, err
	}
	value := in.Value
	if in.Kind == ConstantPercent {
		if value.IsNegative() || (cappedRates[in.Code] && value.GreaterThan(decimal.NewFromInt(100))) {
			return Constant{}, fmt.Errorf("%w: percentage %s out of range for %s", ErrInvalidInput, value, in.Code)
		}
		value = money.Rate(value)
	}
	from := truncateDay(in.ValidFrom)
	var created Constant
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		previous, found, err := tx.ActiveConstant(ctx, in.EmployerID, in.Code, from)
		if err != nil {
			return err
		}
		before := ""
		if found {
			if previous.ValidFrom.Equal(from) && previous.Value.Equal(value) {
				created = previous
				return nil
			}
			before = previous.Value.String()
			if previous.ValidFrom.Before(from) {
				if err := tx.ExpireConstant(ctx, previous.ID, from.AddDate(0, 0, -1)); err != nil {
					return err
				}
			}
		}
		created, err = tx.InsertConstant(ctx, Constant{
			EmployerID: in.EmployerID,
			Code:       in.Code,
			Label:      in.Label,
			Value:      value,
			Kind:       in.Kind,
			Category:   in.Category,
			ValidFrom:  from,
			Active:     true,
		})
		if err != nil {
			return err
		}
		return tx.RecordHistory(ctx, s.entry(in.EmployerID, in.ActorID, "constant", in.Code), []history.Change{
			{Field: "value", Before: before, After: value.String()},
			{Field: "valid_from", Before: "", After: from.Format(time.DateOnly)},
		})
	})
	if err != nil {
		return Constant{}, err
	}
	s.invalidate(ctx, Scope{Kind: ScopeConstants, EmployerID: in.EmployerID})
	return created, nil
}

// ReplaceBracketsInput swaps the bracket table of a year. EmployerID 0 edits
// the shared table used by employers without their own.
type ReplaceBracketsInput struct {
	EmployerID int64     `validate:"gte=0"`
	ActorID    int64     `validate:"gte=0"`
	Year       int       `validate:"required,gte=2000,lte=2100"`
	Brackets   []Bracket `validate:"required,min=1"`
}

// ReplaceBrackets validates coverage of [0, ∞) and replaces the table of the year.
func (s *Service) ReplaceBrackets(ctx context.Context, in ReplaceBracketsInput) error {
	if err := s.validate.Struct(in); err != nil {
		return err
	}
	brackets := make([]Bracket, len(in.Brackets))
	for i, b := range in.Brackets {
		b.Year = in.Year
		b.Rate = money.Rate(b.Rate)
		brackets[i] = b
	}
	brackets = SortBrackets(brackets)
	if _, err := NewSchedule(in.Year, brackets); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		previous, err := tx.BracketsForYear(ctx, in.EmployerID, in.Year)
		if err != nil {
			return err
		}
		if err := tx.ReplaceBrackets(ctx, in.EmployerID, in.Year, brackets); err != nil {
			return err
		}
		return tx.RecordHistory(ctx, s.entry(in.EmployerID, in.ActorID, "brackets", strconv.Itoa(in.Year)), []history.Change{
			{Field: "table", Before: describeBrackets(previous), After: describeBrackets(brackets)},
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, Scope{Kind: ScopeBrackets, EmployerID: in.EmployerID, Year: in.Year})
	return nil
}

// RubricInput creates or updates a catalog entry.
type RubricInput struct {
	EmployerID       int64            `validate:"required,gt=0"`
	ActorID          int64            `validate:"gte=0"`
	Code             string           `validate:"required,max=32"`
	Label            string           `validate:"required,max=200"`
	Kind             RubricKind       `validate:"required,oneof=GAIN DEDUCTION CONTRIBUTION INFORMATIONAL"`
	SubjectToSocial  bool             `validate:"-"`
	SubjectToTax     bool             `validate:"-"`
	ForfaitIndemnity bool             `validate:"-"`
	DefaultRate      *decimal.Decimal `validate:"-"`
	DefaultAmount    *decimal.Decimal `validate:"-"`
	DefaultBaseRef   string           `validate:"max=32"`
	ComputationOrder int              `validate:"gte=0"`
	DisplayOrder     int              `validate:"gte=0"`
	Displayed        bool             `validate:"-"`
	Active           bool             `validate:"-"`
}

// UpsertRubric writes the rubric after checking the catalog stays acyclic.
func (s *Service) UpsertRubric(ctx context.Context, in RubricInput) (Rubric, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.DefaultBaseRef = strings.ToUpper(strings.TrimSpace(in.DefaultBaseRef))
	if err := s.validate.Struct(in); err != nil {
		return Rubric{}, err
	}
	next := Rubric{
		EmployerID:       in.EmployerID,
		Code:             in.Code,
		Label:            strings.TrimSpace(in.Label),
		Kind:             in.Kind,
		SubjectToSocial:  in.SubjectToSocial,
		SubjectToTax:     in.SubjectToTax,
		ForfaitIndemnity: in.ForfaitIndemnity,
		DefaultRate:      in.DefaultRate,
		DefaultAmount:    in.DefaultAmount,
		DefaultBaseRef:   in.DefaultBaseRef,
		ComputationOrder: in.ComputationOrder,
		DisplayOrder:     in.DisplayOrder,
		Displayed:        in.Displayed,
		Active:           in.Active,
	}
	if next.DefaultRate != nil {
		r := money.Rate(*next.DefaultRate)
		next.DefaultRate = &r
	}
	var saved Rubric
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		all, err := tx.AllRubrics(ctx, in.EmployerID)
		if err != nil {
			return err
		}
		var previous *Rubric
		catalog := make(map[string]Rubric, len(all)+1)
		for i := range all {
			if all[i].Code == next.Code {
				previous = &all[i]
				continue
			}
			if all[i].Active {
				catalog[all[i].Code] = all[i]
			}
		}
		if next.Active {
			catalog[next.Code] = next
		}
		if err := ValidateCatalog(catalog); err != nil {
			return err
		}
		saved, err = tx.UpsertRubric(ctx, next)
		if err != nil {
			return err
		}
		return tx.RecordHistory(ctx, s.entry(in.EmployerID, in.ActorID, "rubric", next.Code), rubricChanges(previous, saved))
	})
	if err != nil {
		return Rubric{}, err
	}
	s.invalidate(ctx, Scope{Kind: ScopeRubrics, EmployerID: in.EmployerID})
	return saved, nil
}

// ElementInput assigns a rubric to an employee for a validity window.
type ElementInput struct {
	EmployerID int64            `validate:"required,gt=0"`
	ActorID    int64            `validate:"gte=0"`
	EmployeeID int64            `validate:"required,gt=0"`
	RubricCode string           `validate:"required,max=32"`
	Amount     *decimal.Decimal `validate:"-"`
	Rate       *decimal.Decimal `validate:"-"`
	BaseRef    string           `validate:"max=32"`
	Quantity   *decimal.Decimal `validate:"-"`
	ValidFrom  time.Time        `validate:"required"`
	ValidTo    *time.Time       `validate:"-"`
	Recurrent  bool             `validate:"-"`
}

// AddElement inserts a salary element, rejecting windows overlapping another
// element of the same employee and rubric.
func (s *Service) AddElement(ctx context.Context, in ElementInput) (SalaryElement, error) {
	in.RubricCode = strings.ToUpper(strings.TrimSpace(in.RubricCode))
	in.BaseRef = strings.ToUpper(strings.TrimSpace(in.BaseRef))
	if err := s.validate.Struct(in); err != nil {
		return SalaryElement{}, err
	}
	if in.Amount == nil && in.Rate == nil && in.BaseRef == "" {
		return SalaryElement{}, fmt.Errorf("%w: element %s needs an amount, a rate or a base reference", ErrInvalidInput, in.RubricCode)
	}
	if in.Amount != nil && in.Rate != nil {
		return SalaryElement{}, fmt.Errorf("%w: element %s cannot carry both an amount and a rate", ErrInvalidInput, in.RubricCode)
	}
	if in.ValidTo != nil && in.ValidTo.Before(in.ValidFrom) {
		return SalaryElement{}, fmt.Errorf("%w: element %s ends before it starts", ErrInvalidInput, in.RubricCode)
	}
	el := SalaryElement{
		EmployerID: in.EmployerID,
		EmployeeID: in.EmployeeID,
		RubricCode: in.RubricCode,
		Amount:     in.Amount,
		Rate:       in.Rate,
		BaseRef:    in.BaseRef,
		Quantity:   in.Quantity,
		ValidFrom:  truncateDay(in.ValidFrom),
		Recurrent:  in.Recurrent,
		Active:     true,
	}
	if in.ValidTo != nil {
		end := truncateDay(*in.ValidTo)
		el.ValidTo = &end
	}
	if el.Rate != nil {
		r := money.Rate(*el.Rate)
		el.Rate = &r
	}
	var saved SalaryElement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		all, err := tx.AllRubrics(ctx, in.EmployerID)
		if err != nil {
			return err
		}
		known := false
		for _, r := range all {
			if r.Code == el.RubricCode && r.Active {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownRubric, el.RubricCode)
		}
		existing, err := tx.EmployeeElements(ctx, in.EmployerID, in.EmployeeID, el.RubricCode)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if el.Overlaps(other) {
				return fmt.Errorf("%w: %s overlaps element %d", ErrOverlappingElement, el.RubricCode, other.ID)
			}
		}
		saved, err = tx.InsertElement(ctx, el)
		if err != nil {
			return err
		}
		return tx.RecordHistory(ctx, s.entry(in.EmployerID, in.ActorID, "salary_element", strconv.FormatInt(saved.ID, 10)), []history.Change{
			{Field: "rubric_code", After: saved.RubricCode},
			{Field: "amount", After: formatOptional(saved.Amount)},
			{Field: "rate", After: formatOptional(saved.Rate)},
			{Field: "valid_from", After: saved.ValidFrom.Format(time.DateOnly)},
		})
	})
	if err != nil {
		return SalaryElement{}, err
	}
	s.invalidate(ctx, Scope{Kind: ScopeElements, EmployerID: in.EmployerID, EmployeeID: in.EmployeeID})
	return saved, nil
}

// CloseElement ends an element on end. An element used by a validated slip
// cannot end before the last validated period that used it.
func (s *Service) CloseElement(ctx context.Context, employerID, actorID, elementID int64, end time.Time) (SalaryElement, error) {
	if employerID <= 0 || elementID <= 0 {
		return SalaryElement{}, fmt.Errorf("%w: employer and element required", ErrInvalidInput)
	}
	end = truncateDay(end)
	var closed SalaryElement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		el, err := tx.LoadElementForUpdate(ctx, employerID, elementID)
		if err != nil {
			return err
		}
		if end.Before(truncateDay(el.ValidFrom)) {
			return fmt.Errorf("%w: element %d cannot end before %s", ErrInvalidInput, elementID, el.ValidFrom.Format(time.DateOnly))
		}
		lastUse, err := tx.LastValidatedUse(ctx, elementID)
		if err != nil {
			return err
		}
		if lastUse != nil && end.Before(truncateDay(*lastUse)) {
			return fmt.Errorf("%w: element %d used until %s", ErrElementLocked, elementID, lastUse.Format(time.DateOnly))
		}
		if err := tx.UpdateElementEnd(ctx, elementID, end); err != nil {
			return err
		}
		before := ""
		if el.ValidTo != nil {
			before = el.ValidTo.Format(time.DateOnly)
		}
		el.ValidTo = &end
		closed = el
		return tx.RecordHistory(ctx, s.entry(employerID, actorID, "salary_element", strconv.FormatInt(elementID, 10)), []history.Change{
			{Field: "valid_to", Before: before, After: end.Format(time.DateOnly)},
		})
	})
	if err != nil {
		return SalaryElement{}, err
	}
	s.invalidate(ctx, Scope{Kind: ScopeElements, EmployerID: employerID, EmployeeID: closed.EmployeeID})
	return closed, nil
}

func (s *Service) entry(employerID, actorID int64, entity, id string) history.Entry {
	return history.Entry{EmployerID: employerID, ActorID: actorID, Entity: entity, EntityID: id, At: s.now()}
}

func (s *Service) invalidate(ctx context.Context, scope Scope) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, scope); err != nil {
		s.logger.Warn("rules: cache invalidation failed", slog.String("scope", scope.String()), slog.Any("error", err))
	}
}

func rubricChanges(previous *Rubric, next Rubric) []history.Change {
	var p Rubric
	if previous != nil {
		p = *previous
	}
	field := func(name, before, after string) history.Change {
		if previous == nil {
			before = ""
		}
		return history.Change{Field: name, Before: before, After: after}
	}
	return []history.Change{
		field("label", p.Label, next.Label),
		field("kind", string(p.Kind), string(next.Kind)),
		field("subject_to_social", strconv.FormatBool(p.SubjectToSocial), strconv.FormatBool(next.SubjectToSocial)),
		field("subject_to_tax", strconv.FormatBool(p.SubjectToTax), strconv.FormatBool(next.SubjectToTax)),
		field("default_rate", formatOptional(p.DefaultRate), formatOptional(next.DefaultRate)),
		field("default_amount", formatOptional(p.DefaultAmount), formatOptional(next.DefaultAmount)),
		field("default_base_ref", p.DefaultBaseRef, next.DefaultBaseRef),
		field("computation_order", strconv.Itoa(p.ComputationOrder), strconv.Itoa(next.ComputationOrder)),
		field("active", strconv.FormatBool(p.Active), strconv.FormatBool(next.Active)),
	}
}

func describeBrackets(brackets []Bracket) string {
	parts := make([]string, 0, len(brackets))
	for _, b := range brackets {
		upper := "inf"
		if b.Upper != nil {
			upper = b.Upper.String()
		}
		parts = append(parts, fmt.Sprintf("%s-%s@%s", b.Lower, upper, b.Rate))
	}
	return strings.Join(parts, ";")
}

func formatOptional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
