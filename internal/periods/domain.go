package periods

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates pay period lifecycle stages.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusComputed  Status = "COMPUTED"
	StatusValidated Status = "VALIDATED"
	StatusClosed    Status = "CLOSED"
	StatusPaid      Status = "PAID"
)

// Frozen reports whether slips of the period can no longer be recomputed.
func (s Status) Frozen() bool {
	switch s {
	case StatusValidated, StatusClosed, StatusPaid:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition is returned for backward or skipping transitions.
	ErrInvalidTransition = errors.New("periods: invalid status transition")
	// ErrPeriodAlreadyValidated is returned when recomputing a validated period.
	ErrPeriodAlreadyValidated = errors.New("periods: period already validated")
	// ErrPeriodExists indicates the (employer, year, month) period already exists.
	ErrPeriodExists = errors.New("periods: period already exists")
	// ErrNotFound indicates a period could not be loaded.
	ErrNotFound = errors.New("periods: period not found")
)

// Period is one payroll month of an employer.
type Period struct {
	ID          int64
	EmployerID  int64
	Year        int
	Month       int
	StartDate   time.Time
	EndDate     time.Time
	WorkingDays int
	Status      Status
	ComputedAt  *time.Time
	ValidatedAt *time.Time
	ClosedAt    *time.Time
	ClosedBy    *int64
	PaidAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Label renders the period as YYYY-MM.
func (p Period) Label() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// FirstDay returns day 1 of the period.
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// Next returns the (year, month) following the period.
func Next(year, month int) (int, int) {
	if month == 12 {
		return year + 1, 1
	}
	return year, month + 1
}

// Bounds returns the first and last day of a month.
func Bounds(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, -1)
}

// WorkingDays counts Monday to Saturday in the month.
func WorkingDays(year, month int) int {
	start, end := Bounds(year, month)
	n := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Sunday {
			n++
		}
	}
	return n
}

// CanTransition checks the lifecycle OPEN → COMPUTED (repeatable) → VALIDATED → CLOSED → PAID.
func CanTransition(from, to Status) error {
	switch to {
	case StatusComputed:
		if from == StatusOpen || from == StatusComputed {
			return nil
		}
		if from.Frozen() {
			return ErrPeriodAlreadyValidated
		}
	case StatusValidated:
		if from == StatusComputed {
			return nil
		}
	case StatusClosed:
		if from == StatusValidated {
			return nil
		}
	case StatusPaid:
		if from == StatusClosed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CreateInput captures the fields of a new period.
type CreateInput struct {
	EmployerID  int64 `validate:"required,gt=0"`
	Year        int   `validate:"required,gte=2000,lte=2100"`
	Month       int   `validate:"required,gte=1,lte=12"`
	WorkingDays *int  `validate:"omitempty,gte=1,lte=31"`
	ActorID     int64 `validate:"gte=0"`
}
