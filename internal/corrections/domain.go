// Package corrections keeps the ledger of back pay, overpayments and deferred
// deductions that flow into later slips.
package corrections

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/payroll"
)

// Kind classifies ledger entries.
type Kind string

const (
	KindBackPay     Kind = "RAPPEL"
	KindOverpayment Kind = "TROP_PERCU"
	KindDeferred    Kind = "DEFERRED_DEDUCTION"
	KindWriteOff    Kind = "WRITE_OFF"
)

var (
	// ErrNotFound indicates a missing adjustment.
	ErrNotFound = errors.New("corrections: adjustment not found")
	// ErrInvalidInput indicates a rejected registration.
	ErrInvalidInput = errors.New("corrections: invalid input")
	// ErrNothingOutstanding is returned when writing off a settled entry.
	ErrNothingOutstanding = errors.New("corrections: nothing outstanding")
	// ErrImbalance indicates an entry consumed beyond its amount.
	ErrImbalance = errors.New("corrections: ledger imbalance")
)

// Adjustment is one ledger entry with its consumption so far.
type Adjustment struct {
	ID           int64
	EmployerID   int64
	EmployeeID   int64
	Kind         Kind
	Amount       decimal.Decimal
	Reason       string
	TargetYear   int
	TargetMonth  int
	OriginSlipID *int64
	ParentID     *int64
	CreatedBy    int64
	CreatedAt    time.Time
	Applied      decimal.Decimal
	WrittenOff   decimal.Decimal
}

// Remaining is the part neither applied to a slip nor written off.
func (a Adjustment) Remaining() decimal.Decimal {
	return a.Amount.Sub(a.Applied).Sub(a.WrittenOff)
}

// Due reports whether the entry targets (year, month) or an earlier month.
func (a Adjustment) Due(year, month int) bool {
	return a.TargetYear*12+a.TargetMonth <= year*12+month
}

// Application ties part of an adjustment to the slip that consumed it.
type Application struct {
	AdjustmentID int64
	SlipID       int64
	Amount       decimal.Decimal
}

// Pending is what a slip of a given month must take into account.
type Pending struct {
	BackPay     decimal.Decimal
	Overpayment decimal.Decimal
	Carried     decimal.Decimal
	Items       []Adjustment
}

// Adjustments converts the totals for the calculator.
func (p Pending) Adjustments() payroll.Adjustments {
	return payroll.Adjustments{BackPay: p.BackPay, Overpayment: p.Overpayment, CarriedDeduction: p.Carried}
}

// Balance summarises an employee's ledger.
type Balance struct {
	EmployeeID            int64
	BackPayRegistered     decimal.Decimal
	BackPayPaid           decimal.Decimal
	OverpaymentRegistered decimal.Decimal
	OverpaymentRecovered  decimal.Decimal
	DeferredRegistered    decimal.Decimal
	DeferredRecovered     decimal.Decimal
	WrittenOff            decimal.Decimal
	Outstanding           decimal.Decimal
}
