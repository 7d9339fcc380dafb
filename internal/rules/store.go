package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/history"
)

// Store is the read side of the rule store. Implementations return raw rows;
// fallback and activity filtering live in this package.
type Store interface {
	Constants(ctx context.Context, employerID int64, day time.Time) ([]Constant, error)
	BracketYears(ctx context.Context, employerID int64) ([]int, error)
	BracketsForYear(ctx context.Context, employerID int64, year int) ([]Bracket, error)
	Rubrics(ctx context.Context, employerID int64) ([]Rubric, error)
	Elements(ctx context.Context, employerID, employeeID int64, day time.Time) ([]SalaryElement, error)
	EmployerElements(ctx context.Context, employerID int64, day time.Time) ([]SalaryElement, error)
}

// ResolveElements attaches its rubric to every element.
func ResolveElements(catalog map[string]Rubric, rows []SalaryElement) ([]SalaryElement, error) {
	out := make([]SalaryElement, 0, len(rows))
	for _, e := range rows {
		r, ok := catalog[e.RubricCode]
		if !ok {
			return nil, fmt.Errorf("%w: %s (element %d)", ErrUnknownRubric, e.RubricCode, e.ID)
		}
		e.Rubric = r
		out = append(out, e)
	}
	return out, nil
}

// CurrencySource resolves the base currency of an employer.
type CurrencySource interface {
	BaseCurrency(ctx context.Context, employerID int64) (string, error)
}

// RepositoryPort abstracts transactional write access to the rule store.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the write operations available inside a transaction.
type TxRepository interface {
	ActiveConstant(ctx context.Context, employerID int64, code string, day time.Time) (Constant, bool, error)
	InsertConstant(ctx context.Context, c Constant) (Constant, error)
	ExpireConstant(ctx context.Context, id int64, validTo time.Time) error
	BracketsForYear(ctx context.Context, employerID int64, year int) ([]Bracket, error)
	ReplaceBrackets(ctx context.Context, employerID int64, year int, brackets []Bracket) error
	AllRubrics(ctx context.Context, employerID int64) ([]Rubric, error)
	UpsertRubric(ctx context.Context, r Rubric) (Rubric, error)
	EmployeeElements(ctx context.Context, employerID, employeeID int64, rubricCode string) ([]SalaryElement, error)
	InsertElement(ctx context.Context, e SalaryElement) (SalaryElement, error)
	LoadElementForUpdate(ctx context.Context, employerID, elementID int64) (SalaryElement, error)
	UpdateElementEnd(ctx context.Context, elementID int64, validTo time.Time) error
	LastValidatedUse(ctx context.Context, elementID int64) (*time.Time, error)
	RecordHistory(ctx context.Context, base history.Entry, changes []history.Change) error
}

// ResolveBrackets loads the bracket table for year, falling back to year-1 and
// then to the latest year available. It returns the year actually used.
func ResolveBrackets(ctx context.Context, store Store, employerID int64, year int) ([]Bracket, int, error) {
	years, err := store.BracketYears(ctx, employerID)
	if err != nil {
		return nil, 0, fmt.Errorf("rules: bracket years: %w", err)
	}
	if len(years) == 0 {
		return nil, 0, fmt.Errorf("%w: no bracket table", ErrConfigurationMissing)
	}
	available := make(map[int]bool, len(years))
	latest := years[0]
	for _, y := range years {
		available[y] = true
		if y > latest {
			latest = y
		}
	}
	chosen := latest
	switch {
	case available[year]:
		chosen = year
	case available[year-1]:
		chosen = year - 1
	}
	brackets, err := store.BracketsForYear(ctx, employerID, chosen)
	if err != nil {
		return nil, 0, fmt.Errorf("rules: brackets %d: %w", chosen, err)
	}
	if len(brackets) == 0 {
		return nil, 0, fmt.Errorf("%w: bracket table %d is empty", ErrConfigurationMissing, chosen)
	}
	return SortBrackets(brackets), chosen, nil
}

// ConstantValues keeps the constants active on day; when several rows share a
// code the most recent validity start wins.
func ConstantValues(constants []Constant, day time.Time) map[string]decimal.Decimal {
	sorted := make([]Constant, 0, len(constants))
	for _, c := range constants {
		if c.ActiveOn(day) {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ValidFrom.Equal(sorted[j].ValidFrom) {
			return sorted[i].ValidFrom.Before(sorted[j].ValidFrom)
		}
		return sorted[i].ID < sorted[j].ID
	})
	out := make(map[string]decimal.Decimal, len(sorted))
	for _, c := range sorted {
		out[c.Code] = c.Value
	}
	return out
}

// ActiveRubricMap indexes active rubrics by code.
func ActiveRubricMap(rubrics []Rubric) map[string]Rubric {
	out := make(map[string]Rubric, len(rubrics))
	for _, r := range rubrics {
		if r.Active {
			out[r.Code] = r
		}
	}
	return out
}
