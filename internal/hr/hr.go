// Package hr holds the labour-code computations triggered by HR events:
// severance, notice, family allowance, work accident and maternity leave.
// Every function is pure; constants are passed in by the caller.
package hr

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/money"
)

// Category is the professional category of an employee.
type Category string

const (
	CategoryExecutive   Category = "CADRE"
	CategorySupervisory Category = "AGENT_MAITRISE"
	CategoryEmployee    Category = "EMPLOYE"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryExecutive, CategorySupervisory, CategoryEmployee:
		return true
	}
	return false
}

var (
	// ErrInvalidInput is returned for negative durations or out-of-range options.
	ErrInvalidInput = errors.New("hr: invalid input")

	severanceSlab1 = decimal.RequireFromString("33")
	severanceSlab2 = decimal.RequireFromString("35")
	severanceSlab3 = decimal.RequireFromString("40")

	accidentFirstRate = decimal.RequireFromString("50")
	accidentLaterRate = decimal.RequireFromString("66.7")

	familyMinDays  = decimal.NewFromInt(18)
	familyMinHours = decimal.NewFromInt(120)
)

const (
	// AccidentFirstPhaseDays is the number of days indemnified at the lower rate.
	AccidentFirstPhaseDays = 28
	// DaysPerMonth converts a monthly salary into a daily wage.
	DaysPerMonth = 30
	// MaxFamilyChildren caps the children counted for family allowance.
	MaxFamilyChildren = 10
	// MaxUnpaidMaternityMonths bounds the unpaid maternity extension.
	MaxUnpaidMaternityMonths = 9
)

// SeniorityYears counts whole years of service from hire to at.
func SeniorityYears(hire, at time.Time) int {
	if at.Before(hire) {
		return 0
	}
	years := at.Year() - hire.Year()
	anniversary := hire.AddDate(years, 0, 0)
	if at.Before(anniversary) {
		years--
	}
	return years
}

// Severance returns the termination indemnity for seniority whole years and the
// reference salary (average of the last twelve months): 33 % of it per year for
// years 1 to 5, 35 % for years 6 to 10 and 40 % beyond. Under one year it is zero.
func Severance(seniority int, reference decimal.Decimal, currency string) decimal.Decimal {
	if seniority < 1 || !reference.IsPositive() {
		return decimal.Zero
	}
	first := min(seniority, 5)
	second := max(min(seniority, 10)-5, 0)
	third := max(seniority-10, 0)
	pct := severanceSlab1.Mul(decimal.NewFromInt(int64(first))).
		Add(severanceSlab2.Mul(decimal.NewFromInt(int64(second)))).
		Add(severanceSlab3.Mul(decimal.NewFromInt(int64(third))))
	return money.Round(money.Percent(reference, pct), currency)
}

// NoticeMonths returns the notice period of a category.
func NoticeMonths(c Category) int {
	switch c {
	case CategoryExecutive:
		return 3
	case CategorySupervisory:
		return 2
	default:
		return 1
	}
}

// NoticeIndemnity pays the notice period when the employee does not work it.
func NoticeIndemnity(c Category, monthly decimal.Decimal, worked bool, currency string) decimal.Decimal {
	if worked || !monthly.IsPositive() {
		return decimal.Zero
	}
	return money.Round(monthly.Mul(decimal.NewFromInt(int64(NoticeMonths(c)))), currency)
}

// Child is a dependent child considered for family allowance.
type Child struct {
	BirthDate time.Time
	Enrolled  bool
}

// FamilyEligible reports whether the attendance of the month opens the right to
// family allowance: at least 18 worked days or 120 worked hours.
func FamilyEligible(workedDays, workedHours decimal.Decimal) bool {
	return workedDays.GreaterThanOrEqual(familyMinDays) || workedHours.GreaterThanOrEqual(familyMinHours)
}

// EligibleChildren counts children under 17, or under 20 when enrolled in
// school, on day at. The count is capped at ten.
func EligibleChildren(children []Child, at time.Time) int {
	n := 0
	for _, c := range children {
		if c.BirthDate.IsZero() || c.BirthDate.After(at) {
			continue
		}
		age := SeniorityYears(c.BirthDate, at)
		if age < 17 || (c.Enrolled && age < 20) {
			n++
		}
	}
	return min(n, MaxFamilyChildren)
}

// FamilyAllowance returns the eligible child count and the monthly amount.
func FamilyAllowance(workedDays, workedHours decimal.Decimal, children []Child, at time.Time, perChild decimal.Decimal, currency string) (int, decimal.Decimal) {
	if !FamilyEligible(workedDays, workedHours) {
		return 0, decimal.Zero
	}
	count := EligibleChildren(children, at)
	return count, money.Round(perChild.Mul(decimal.NewFromInt(int64(count))), currency)
}

// DailyWage converts a monthly salary into the daily wage used by indemnities.
func DailyWage(monthly decimal.Decimal) decimal.Decimal {
	return monthly.Div(decimal.NewFromInt(DaysPerMonth))
}

// AccidentIndemnity is the temporary work-accident indemnity of a month.
type AccidentIndemnity struct {
	DaysAtFirstRate int
	DaysAtLaterRate int
	Amount          decimal.Decimal
}

// WorkAccident indemnifies days of absence following a work accident: 50 % of
// the daily wage for the first 28 days, 66.7 % afterwards. offset is the
// number of days already indemnified in earlier months.
func WorkAccident(dailyWage decimal.Decimal, offset, days int, currency string) (AccidentIndemnity, error) {
	if offset < 0 || days < 0 {
		return AccidentIndemnity{}, fmt.Errorf("%w: offset %d, days %d", ErrInvalidInput, offset, days)
	}
	first := max(min(AccidentFirstPhaseDays-offset, days), 0)
	later := days - first
	amount := money.Percent(dailyWage, accidentFirstRate).Mul(decimal.NewFromInt(int64(first))).
		Add(money.Percent(dailyWage, accidentLaterRate).Mul(decimal.NewFromInt(int64(later))))
	return AccidentIndemnity{
		DaysAtFirstRate: first,
		DaysAtLaterRate: later,
		Amount:          money.Round(amount, currency),
	}, nil
}

// MaternityWindow is the leave around an expected birth.
type MaternityWindow struct {
	Start      time.Time
	Birth      time.Time
	PaidEnd    time.Time
	UnpaidEnd  *time.Time
	Medical    bool
	PaidDays   int
	UnpaidDays int
}

// Maternity returns six weeks of prenatal and eight weeks of postnatal leave,
// extended by 21 days on medical grounds and optionally followed by up to nine
// months of unpaid leave.
func Maternity(birth time.Time, medicalExtension bool, unpaidMonths int) (MaternityWindow, error) {
	if unpaidMonths < 0 || unpaidMonths > MaxUnpaidMaternityMonths {
		return MaternityWindow{}, fmt.Errorf("%w: unpaid extension of %d months", ErrInvalidInput, unpaidMonths)
	}
	birth = truncate(birth)
	w := MaternityWindow{
		Start:   birth.AddDate(0, 0, -42),
		Birth:   birth,
		PaidEnd: birth.AddDate(0, 0, 56-1),
		Medical: medicalExtension,
	}
	if medicalExtension {
		w.PaidEnd = w.PaidEnd.AddDate(0, 0, 21)
	}
	w.PaidDays = daysBetween(w.Start, w.PaidEnd)
	if unpaidMonths > 0 {
		end := w.PaidEnd.AddDate(0, unpaidMonths, 0)
		w.UnpaidEnd = &end
		w.UnpaidDays = daysBetween(w.PaidEnd, end) - 1
	}
	return w, nil
}

// PaidDaysIn counts the paid leave days falling in [from, to].
func (w MaternityWindow) PaidDaysIn(from, to time.Time) int {
	start := later(truncate(from), w.Start)
	end := earlier(truncate(to), w.PaidEnd)
	if end.Before(start) {
		return 0
	}
	return daysBetween(start, end)
}

// UnpaidDaysIn counts the unpaid extension days falling in [from, to].
func (w MaternityWindow) UnpaidDaysIn(from, to time.Time) int {
	if w.UnpaidEnd == nil {
		return 0
	}
	start := later(truncate(from), w.PaidEnd.AddDate(0, 0, 1))
	end := earlier(truncate(to), *w.UnpaidEnd)
	if end.Before(start) {
		return 0
	}
	return daysBetween(start, end)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours()/24) + 1
}

func truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
