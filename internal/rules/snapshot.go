package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/payroll/tax"
)

// Snapshot is the immutable rule set a computation holds from start to end.
// It is never mutated after publication; writers publish a new one.
type Snapshot struct {
	EmployerID int64
	Year       int
	Revision   uint64
	Currency   string
	Constants  map[string]decimal.Decimal
	Rubrics    map[string]Rubric
	Schedule   *tax.Schedule
	TakenAt    time.Time
}

// Constant returns the value for code and whether it is defined.
func (s *Snapshot) Constant(code string) (decimal.Decimal, bool) {
	if s == nil {
		return decimal.Zero, false
	}
	v, ok := s.Constants[code]
	return v, ok
}

// ConstantOr returns the value for code or fallback.
func (s *Snapshot) ConstantOr(code string, fallback decimal.Decimal) decimal.Decimal {
	if v, ok := s.Constant(code); ok {
		return v
	}
	return fallback
}

// RequireConstant returns the value for code or ErrConfigurationMissing.
func (s *Snapshot) RequireConstant(code string) (decimal.Decimal, error) {
	v, ok := s.Constant(code)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: constant %s", ErrConfigurationMissing, code)
	}
	return v, nil
}

// Rubric returns the active rubric for code or ErrUnknownRubric.
func (s *Snapshot) Rubric(code string) (Rubric, error) {
	if s != nil {
		if r, ok := s.Rubrics[code]; ok {
			return r, nil
		}
	}
	return Rubric{}, fmt.Errorf("%w: %s", ErrUnknownRubric, code)
}

// Validate checks that the snapshot carries everything a slip computation needs.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: no rule snapshot", ErrConfigurationMissing)
	}
	if s.Schedule == nil {
		return fmt.Errorf("%w: no bracket table for %d", ErrConfigurationMissing, s.Year)
	}
	var missing []string
	for _, code := range RequiredConstants {
		if _, ok := s.Constants[code]; !ok {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: constants %v", ErrConfigurationMissing, missing)
	}
	return nil
}
