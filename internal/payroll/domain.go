package payroll

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/rules"
)

// ContractType classifies employment contracts.
type ContractType string

const (
	ContractCDI        ContractType = "CDI"
	ContractCDD        ContractType = "CDD"
	ContractTrainee    ContractType = "STAGIAIRE"
	ContractApprentice ContractType = "APPRENTI"
)

// SlipStatus tracks a slip through its period's lifecycle.
type SlipStatus string

const (
	SlipDraft     SlipStatus = "DRAFT"
	SlipComputed  SlipStatus = "COMPUTED"
	SlipValidated SlipStatus = "VALIDATED"
	SlipPaid      SlipStatus = "PAID"
)

// Warning is an informational condition attached to a slip.
type Warning string

const (
	WarnNegativeNetAverted   Warning = "NEGATIVE_NET_AVERTED"
	WarnEmptyElements        Warning = "EMPTY_ELEMENTS"
	WarnSocialBelowThreshold Warning = "SOCIAL_BASE_BELOW_THRESHOLD"
	WarnTraineeExempt        Warning = "STAGIAIRE_EXEMPT"
	WarnTrainingTaxConflict  Warning = "TRAINING_TAX_CONFLICT"
)

// System line codes appended by the calculator.
const (
	CodeSocialEmployee  = "CNSS_SAL"
	CodeSocialEmployer  = "CNSS_PAT"
	CodeIncomeTax       = "RTS"
	CodeEmployerForfait = "VF"
	CodeApprenticeship  = "TA"
	CodeTrainingFund    = "ONFPP"
	CodeCarriedIn       = "REPORT_RETENUE"
)

// IsSystemCode reports whether code is one of the calculator's own lines.
func IsSystemCode(code string) bool {
	switch code {
	case CodeSocialEmployee, CodeSocialEmployer, CodeIncomeTax, CodeEmployerForfait, CodeApprenticeship, CodeTrainingFund:
		return true
	}
	return false
}

// Rubric codes emitted from monthly inputs and HR events.
const (
	CodeOvertimeFirst4       = "HS_4P"
	CodeOvertimeBeyond       = "HS_AD"
	CodeOvertimeNight        = "HS_NUIT"
	CodeOvertimeHolidayDay   = "HS_FJ"
	CodeOvertimeHolidayNight = "HS_FN"
	CodeSeverance            = "IND_LICENCIEMENT"
	CodeNotice               = "IND_PREAVIS"
	CodeWorkAccident         = "IND_ACCIDENT"
	CodeMaternity            = "CONGE_MATERNITE"
	CodeFamilyAllowance      = "ALLOC_FAM"
)

var (
	// ErrUnknownBaseReference indicates a base reference that is neither symbolic,
	// a constant, nor an already-evaluated rubric.
	ErrUnknownBaseReference = errors.New("payroll: unknown base reference")
	// ErrDuplicateSlip indicates a second slip for the same (employee, period).
	ErrDuplicateSlip = errors.New("payroll: duplicate slip")
	// ErrNegativeNet indicates a net that stays negative after every deduction was deferred.
	ErrNegativeNet = errors.New("payroll: net to pay cannot be made non-negative")
	// ErrEmployeeNotFound indicates the employee is unknown to the employer.
	ErrEmployeeNotFound = errors.New("payroll: employee not found")
	// ErrSlipNotFound indicates a missing slip.
	ErrSlipNotFound = errors.New("payroll: slip not found")
)

// Employee carries the registry attributes the engine reads.
type Employee struct {
	ID                int64
	EmployerID        int64
	Matricule         string
	FullName          string
	Sex               string
	BirthDate         *time.Time
	HireDate          time.Time
	Contract          ContractType
	Category          hr.Category
	MaritalStatus     string
	DependentChildren int
	PaymentMode       string
	Active            bool
	Children          []hr.Child
}

// TraineeOrApprentice reports whether the contract qualifies for the trainee exemption.
func (e Employee) TraineeOrApprentice() bool {
	return e.Contract == ContractTrainee || e.Contract == ContractApprentice
}

// MonthlyInputs are the attendance figures of one employee for one month.
type MonthlyInputs struct {
	WorkedDays           *decimal.Decimal
	WorkedHours          *decimal.Decimal
	OvertimeFirst4       decimal.Decimal
	OvertimeBeyond       decimal.Decimal
	OvertimeNight        decimal.Decimal
	OvertimeHolidayDay   decimal.Decimal
	OvertimeHolidayNight decimal.Decimal
}

// HasOvertime reports whether any overtime hours were recorded.
func (m MonthlyInputs) HasOvertime() bool {
	for _, h := range []decimal.Decimal{m.OvertimeFirst4, m.OvertimeBeyond, m.OvertimeNight, m.OvertimeHolidayDay, m.OvertimeHolidayNight} {
		if h.IsPositive() {
			return true
		}
	}
	return false
}

// EventKind names an HR event that adds lines to a slip.
type EventKind string

const (
	EventTermination  EventKind = "TERMINATION"
	EventWorkAccident EventKind = "WORK_ACCIDENT"
	EventMaternity    EventKind = "MATERNITY"
)

// Event is an HR event falling in the slip's month.
type Event struct {
	ID                    int64
	Kind                  EventKind
	Date                  time.Time
	Days                  int
	DayOffset             int
	ReferenceSalary       *decimal.Decimal
	NoticeWorked          bool
	MedicalExtension      bool
	UnpaidExtensionMonths int
}

// Adjustments are the correction amounts pending for the slip's month.
type Adjustments struct {
	BackPay          decimal.Decimal
	Overpayment      decimal.Decimal
	CarriedDeduction decimal.Decimal
}

// Line is one evaluated slip row.
type Line struct {
	RubricCode      string
	Label           string
	Kind            rules.RubricKind
	Base            *decimal.Decimal
	Rate            *decimal.Decimal
	Quantity        *decimal.Decimal
	Amount          decimal.Decimal
	Order           int
	Displayed       bool
	Comment         string
	ElementID       *int64
	SubjectToSocial bool
	SubjectToTax    bool
	Forfait         bool
	System          bool
}

// IsGain reports whether the line adds to gross.
func (l Line) IsGain() bool { return l.Kind == rules.KindGain }

// IsDeduction reports whether the line is withheld from the employee.
func (l Line) IsDeduction() bool {
	return l.Kind == rules.KindDeduction || l.Kind == rules.KindContribution
}

// Slip is the computed pay slip of one employee for one period.
type Slip struct {
	ID                   int64
	EmployerID           int64
	EmployeeID           int64
	PeriodID             int64
	Number               string
	Year                 int
	Month                int
	Currency             string
	Matricule            string
	EmployeeName         string
	Gross                decimal.Decimal
	SocialBase           decimal.Decimal
	TaxableBase          decimal.Decimal
	SocialEmployee       decimal.Decimal
	SocialEmployer       decimal.Decimal
	IncomeTax            decimal.Decimal
	OtherDeductions      decimal.Decimal
	BackPay              decimal.Decimal
	OverpaymentWithheld  decimal.Decimal
	DeductionCarriedIn   decimal.Decimal
	DeductionDeferred    decimal.Decimal
	EmployerForfait      decimal.Decimal
	EmployerTraining     decimal.Decimal
	EmployerTrainingCode string
	Net                  decimal.Decimal
	Status               SlipStatus
	Warnings             []Warning
	AccessToken          uuid.UUID
	RulesRevision        uint64
	ComputedAt           time.Time
	Lines                []Line
}

// HasWarning reports whether w was raised on the slip.
func (s Slip) HasWarning(w Warning) bool {
	for _, got := range s.Warnings {
		if got == w {
			return true
		}
	}
	return false
}

// Deductions returns social employee + income tax + other deductions.
func (s Slip) Deductions() decimal.Decimal {
	return s.SocialEmployee.Add(s.IncomeTax).Add(s.OtherDeductions)
}

// DisplayedLines returns the lines printed on the slip.
func (s Slip) DisplayedLines() []Line {
	out := make([]Line, 0, len(s.Lines))
	for _, l := range s.Lines {
		if l.Displayed {
			out = append(out, l)
		}
	}
	return out
}

// CheckBalance verifies gross = Σ gains and the net formula.
func (s Slip) CheckBalance() error {
	gains := decimal.Zero
	for _, l := range s.Lines {
		if l.IsGain() && !l.System {
			gains = gains.Add(l.Amount)
		}
	}
	if !gains.Equal(s.Gross) {
		return fmt.Errorf("payroll: slip %s gross %s differs from gains %s", s.Number, s.Gross, gains)
	}
	net := s.Gross.Sub(s.Deductions()).Add(s.BackPay).Sub(s.OverpaymentWithheld)
	if !net.Equal(s.Net) {
		return fmt.Errorf("payroll: slip %s net %s differs from formula %s", s.Number, s.Net, net)
	}
	if s.Net.IsNegative() {
		return fmt.Errorf("%w: slip %s", ErrNegativeNet, s.Number)
	}
	return nil
}

// SlipNumber formats BP-YYYYMM-<matricule>.
func SlipNumber(year, month int, matricule string) string {
	return fmt.Sprintf("BP-%04d%02d-%s", year, month, matricule)
}
