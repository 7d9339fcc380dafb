// Package tax implements the progressive income-tax (RTS) schedule.
package tax

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/money"
)

// ErrInvalidSchedule indicates slabs that do not cover [0, ∞) without gaps or overlaps.
var ErrInvalidSchedule = errors.New("tax: invalid schedule")

// Slab is one bracket of the schedule. Bounds are [Lower, Upper], inclusive
// on Upper; a nil Upper is unbounded.
type Slab struct {
	Ordinal int
	Lower   decimal.Decimal
	Upper   *decimal.Decimal
	Rate    decimal.Decimal
}

// Schedule is the immutable bracket table of one year. Build it once and share it.
type Schedule struct {
	year  int
	slabs []Slab
}

// NewSchedule validates the slabs and returns the schedule for year.
func NewSchedule(year int, slabs []Slab) (*Schedule, error) {
	if len(slabs) == 0 {
		return nil, fmt.Errorf("%w: no slabs for %d", ErrInvalidSchedule, year)
	}
	sorted := make([]Slab, len(slabs))
	copy(sorted, slabs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	if !sorted[0].Lower.IsZero() {
		return nil, fmt.Errorf("%w: %d starts at %s", ErrInvalidSchedule, year, sorted[0].Lower)
	}
	for i, s := range sorted {
		if s.Rate.IsNegative() {
			return nil, fmt.Errorf("%w: negative rate in slab %d", ErrInvalidSchedule, s.Ordinal)
		}
		last := i == len(sorted)-1
		switch {
		case s.Upper == nil && !last:
			return nil, fmt.Errorf("%w: unbounded slab %d is not last", ErrInvalidSchedule, s.Ordinal)
		case s.Upper != nil && last:
			return nil, fmt.Errorf("%w: last slab %d is bounded", ErrInvalidSchedule, s.Ordinal)
		case s.Upper != nil && !s.Upper.GreaterThan(s.Lower):
			return nil, fmt.Errorf("%w: slab %d is empty", ErrInvalidSchedule, s.Ordinal)
		case s.Upper != nil && !sorted[i+1].Lower.Equal(*s.Upper):
			return nil, fmt.Errorf("%w: slabs %d and %d are not contiguous", ErrInvalidSchedule, s.Ordinal, sorted[i+1].Ordinal)
		}
		sorted[i].Rate = money.Rate(s.Rate)
	}
	return &Schedule{year: year, slabs: sorted}, nil
}

// Year returns the fiscal year of the schedule.
func (s *Schedule) Year() int {
	return s.year
}

// Slabs returns a copy of the ordered slabs.
func (s *Schedule) Slabs() []Slab {
	out := make([]Slab, len(s.slabs))
	copy(out, s.slabs)
	return out
}

// Compute returns the unrounded tax due on taxable.
func (s *Schedule) Compute(taxable decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if s == nil || !taxable.IsPositive() {
		return total
	}
	for _, slab := range s.slabs {
		if !taxable.GreaterThan(slab.Lower) {
			break
		}
		top := taxable
		if slab.Upper != nil && slab.Upper.LessThan(taxable) {
			top = *slab.Upper
		}
		total = total.Add(money.Percent(top.Sub(slab.Lower), slab.Rate))
		if slab.Upper == nil || !taxable.GreaterThan(*slab.Upper) {
			break
		}
	}
	return total
}

// Tax returns the tax due on taxable rounded to the currency unit.
func (s *Schedule) Tax(taxable decimal.Decimal, currency string) decimal.Decimal {
	return money.Round(s.Compute(taxable), currency)
}

// Breakdown returns the per-slab contribution for taxable, for display.
func (s *Schedule) Breakdown(taxable decimal.Decimal) []decimal.Decimal {
	if s == nil {
		return nil
	}
	out := make([]decimal.Decimal, len(s.slabs))
	for i := range out {
		out[i] = decimal.Zero
	}
	if !taxable.IsPositive() {
		return out
	}
	for i, slab := range s.slabs {
		if !taxable.GreaterThan(slab.Lower) {
			break
		}
		top := taxable
		if slab.Upper != nil && slab.Upper.LessThan(taxable) {
			top = *slab.Upper
		}
		out[i] = money.Percent(top.Sub(slab.Lower), slab.Rate)
	}
	return out
}
