// Package payrun drives whole pay periods: batch computation, validation with
// archival and journal posting, closing and payment.
package payrun

import (
	"context"
	"errors"
	"time"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/integration"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
)

// ErrPeriodBusy indicates another computation of the period is running.
var ErrPeriodBusy = errors.New("payrun: period computation already running")

// SlipError records an employee left out of a period computation.
type SlipError struct {
	EmployeeID int64  `json:"employee_id"`
	Matricule  string `json:"matricule"`
	Message    string `json:"message"`
}

// Result summarises a period computation.
type Result struct {
	PeriodID int64         `json:"period_id"`
	Created  int           `json:"created"`
	Deleted  int64         `json:"deleted"`
	Errors   []SlipError   `json:"errors"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ValidateResult summarises a period validation.
type ValidateResult struct {
	Period   periods.Period `json:"period"`
	Archived int            `json:"archived"`
	Posted   bool           `json:"posted"`
}

// Tx bundles the stores bound to one database transaction.
type Tx interface {
	Periods() periods.TxStore
	Slips() payroll.SlipStore
	Corrections() corrections.Store
	Archive() archive.Store
	// Savepoint runs fn in a nested transaction rolled back alone on error.
	Savepoint(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Database opens transactions spanning periods, slips, corrections and archive.
type Database interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Locker serialises computations of one period across processes.
type Locker interface {
	Lock(ctx context.Context, periodID int64) (release func(context.Context) error, err error)
}

// SnapshotSource pins the rule set of a batch.
type SnapshotSource interface {
	Snapshot(ctx context.Context, employerID int64, year int) (*rules.Snapshot, error)
}

// Journal posts the accounting entries of a validated period.
type Journal interface {
	HandlePayrollValidated(ctx context.Context, evt integration.PayrollValidatedEvent) error
}

// Metrics records period computations.
type Metrics interface {
	ObservePeriod(employerID int64, created, failed int, elapsed time.Duration)
}
