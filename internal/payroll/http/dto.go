package payrollhttp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
)

// date decodes "YYYY-MM-DD".
type date struct {
	time.Time
}

func (d *date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("invalid date %q", s)
	}
	d.Time = t
	return nil
}

func (d *date) ptr() *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

type createPeriodRequest struct {
	Year        int  `json:"year"`
	Month       int  `json:"month"`
	WorkingDays *int `json:"working_days"`
}

type computeRequest struct {
	Async bool `json:"async"`
}

type simulateRequest struct {
	Year          int                        `json:"year"`
	Month         int                        `json:"month"`
	Category      string                     `json:"category"`
	MaritalStatus string                     `json:"marital_status"`
	Children      int                        `json:"children"`
	Contract      string                     `json:"contract"`
	HireDate      *date                      `json:"hire_date"`
	BaseSalary    decimal.Decimal            `json:"base_salary"`
	WorkedDays    *decimal.Decimal           `json:"worked_days"`
	WorkedHours   *decimal.Decimal           `json:"worked_hours"`
	Overtime      map[string]decimal.Decimal `json:"overtime"`
	Extra         []simulatedElementInput    `json:"extra"`
}

type simulatedElementInput struct {
	RubricCode string           `json:"rubric_code"`
	Amount     *decimal.Decimal `json:"amount"`
	Rate       *decimal.Decimal `json:"rate"`
	BaseRef    string           `json:"base_ref"`
	Quantity   *decimal.Decimal `json:"quantity"`
}

func (r simulateRequest) input(employerID int64) payroll.SimulateInput {
	in := payroll.SimulateInput{
		EmployerID:    employerID,
		Year:          r.Year,
		Month:         r.Month,
		Category:      hr.Category(strings.ToUpper(r.Category)),
		MaritalStatus: r.MaritalStatus,
		Children:      r.Children,
		Contract:      payroll.ContractType(strings.ToUpper(r.Contract)),
		HireDate:      r.HireDate.ptr(),
		BaseSalary:    r.BaseSalary,
		Inputs: payroll.MonthlyInputs{
			WorkedDays:           r.WorkedDays,
			WorkedHours:          r.WorkedHours,
			OvertimeFirst4:       r.Overtime[payroll.CodeOvertimeFirst4],
			OvertimeBeyond:       r.Overtime[payroll.CodeOvertimeBeyond],
			OvertimeNight:        r.Overtime[payroll.CodeOvertimeNight],
			OvertimeHolidayDay:   r.Overtime[payroll.CodeOvertimeHolidayDay],
			OvertimeHolidayNight: r.Overtime[payroll.CodeOvertimeHolidayNight],
		},
	}
	for _, e := range r.Extra {
		in.Extra = append(in.Extra, payroll.SimulatedElement{
			RubricCode: strings.ToUpper(e.RubricCode),
			Amount:     e.Amount,
			Rate:       e.Rate,
			BaseRef:    e.BaseRef,
			Quantity:   e.Quantity,
		})
	}
	return in
}

type correctionRequest struct {
	EmployeeID  int64           `json:"employee_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	TargetYear  int             `json:"target_year"`
	TargetMonth int             `json:"target_month"`
}

type writeOffRequest struct {
	Reason string `json:"reason"`
}

type constantRequest struct {
	Code      string          `json:"code"`
	Label     string          `json:"label"`
	Value     decimal.Decimal `json:"value"`
	Kind      string          `json:"kind"`
	Category  string          `json:"category"`
	ValidFrom date            `json:"valid_from"`
}

type bracketInput struct {
	Ordinal int              `json:"ordinal"`
	Lower   decimal.Decimal  `json:"lower"`
	Upper   *decimal.Decimal `json:"upper"`
	Rate    decimal.Decimal  `json:"rate"`
}

type bracketsRequest struct {
	Brackets []bracketInput `json:"brackets"`
}

type rubricRequest struct {
	Code             string           `json:"code"`
	Label            string           `json:"label"`
	Kind             string           `json:"kind"`
	SubjectToSocial  bool             `json:"subject_to_social"`
	SubjectToTax     bool             `json:"subject_to_tax"`
	ForfaitIndemnity bool             `json:"forfait_indemnity"`
	DefaultRate      *decimal.Decimal `json:"default_rate"`
	DefaultAmount    *decimal.Decimal `json:"default_amount"`
	DefaultBaseRef   string           `json:"default_base_ref"`
	ComputationOrder int              `json:"computation_order"`
	DisplayOrder     int              `json:"display_order"`
	Displayed        bool             `json:"displayed"`
	Active           bool             `json:"active"`
}

type elementRequest struct {
	EmployeeID int64            `json:"employee_id"`
	RubricCode string           `json:"rubric_code"`
	Amount     *decimal.Decimal `json:"amount"`
	Rate       *decimal.Decimal `json:"rate"`
	BaseRef    string           `json:"base_ref"`
	Quantity   *decimal.Decimal `json:"quantity"`
	ValidFrom  date             `json:"valid_from"`
	ValidTo    *date            `json:"valid_to"`
	Recurrent  bool             `json:"recurrent"`
}

type closeElementRequest struct {
	End date `json:"end"`
}

type lineView struct {
	RubricCode string           `json:"rubric_code"`
	Label      string           `json:"label"`
	Kind       rules.RubricKind `json:"kind"`
	Base       *decimal.Decimal `json:"base,omitempty"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
	Order      int              `json:"order"`
	Displayed  bool             `json:"displayed"`
	Comment    string           `json:"comment,omitempty"`
}

type slipView struct {
	ID                  int64              `json:"id,omitempty"`
	EmployeeID          int64              `json:"employee_id,omitempty"`
	PeriodID            int64              `json:"period_id,omitempty"`
	Number              string             `json:"number"`
	Year                int                `json:"year"`
	Month               int                `json:"month"`
	Currency            string             `json:"currency"`
	Matricule           string             `json:"matricule"`
	EmployeeName        string             `json:"employee_name"`
	Gross               decimal.Decimal    `json:"gross"`
	SocialBase          decimal.Decimal    `json:"social_base"`
	TaxableBase         decimal.Decimal    `json:"taxable_base"`
	SocialEmployee      decimal.Decimal    `json:"social_employee"`
	SocialEmployer      decimal.Decimal    `json:"social_employer"`
	IncomeTax           decimal.Decimal    `json:"income_tax"`
	OtherDeductions     decimal.Decimal    `json:"other_deductions"`
	BackPay             decimal.Decimal    `json:"back_pay"`
	OverpaymentWithheld decimal.Decimal    `json:"overpayment_withheld"`
	DeductionCarriedIn  decimal.Decimal    `json:"deduction_carried_in"`
	DeductionDeferred   decimal.Decimal    `json:"deduction_deferred"`
	EmployerForfait     decimal.Decimal    `json:"employer_forfait"`
	EmployerTraining    decimal.Decimal    `json:"employer_training"`
	TrainingCode        string             `json:"employer_training_code,omitempty"`
	Net                 decimal.Decimal    `json:"net"`
	Status              payroll.SlipStatus `json:"status"`
	Warnings            []payroll.Warning  `json:"warnings"`
	AccessToken         string             `json:"access_token,omitempty"`
	RulesRevision       uint64             `json:"rules_revision"`
	Lines               []lineView         `json:"lines"`
}

func newSlipView(s payroll.Slip) slipView {
	v := slipView{
		ID:                  s.ID,
		EmployeeID:          s.EmployeeID,
		PeriodID:            s.PeriodID,
		Number:              s.Number,
		Year:                s.Year,
		Month:               s.Month,
		Currency:            s.Currency,
		Matricule:           s.Matricule,
		EmployeeName:        s.EmployeeName,
		Gross:               s.Gross,
		SocialBase:          s.SocialBase,
		TaxableBase:         s.TaxableBase,
		SocialEmployee:      s.SocialEmployee,
		SocialEmployer:      s.SocialEmployer,
		IncomeTax:           s.IncomeTax,
		OtherDeductions:     s.OtherDeductions,
		BackPay:             s.BackPay,
		OverpaymentWithheld: s.OverpaymentWithheld,
		DeductionCarriedIn:  s.DeductionCarriedIn,
		DeductionDeferred:   s.DeductionDeferred,
		EmployerForfait:     s.EmployerForfait,
		EmployerTraining:    s.EmployerTraining,
		TrainingCode:        s.EmployerTrainingCode,
		Net:                 s.Net,
		Status:              s.Status,
		Warnings:            append([]payroll.Warning{}, s.Warnings...),
		RulesRevision:       s.RulesRevision,
		Lines:               make([]lineView, 0, len(s.Lines)),
	}
	if s.ID != 0 {
		v.AccessToken = s.AccessToken.String()
	}
	for _, l := range s.Lines {
		v.Lines = append(v.Lines, lineView{
			RubricCode: l.RubricCode,
			Label:      l.Label,
			Kind:       l.Kind,
			Base:       l.Base,
			Rate:       l.Rate,
			Quantity:   l.Quantity,
			Amount:     l.Amount,
			Order:      l.Order,
			Displayed:  l.Displayed,
			Comment:    l.Comment,
		})
	}
	return v
}

type adjustmentView struct {
	ID          int64            `json:"id"`
	EmployeeID  int64            `json:"employee_id"`
	Kind        corrections.Kind `json:"kind"`
	Amount      decimal.Decimal  `json:"amount"`
	Remaining   decimal.Decimal  `json:"remaining"`
	Reason      string           `json:"reason"`
	TargetYear  int              `json:"target_year"`
	TargetMonth int              `json:"target_month"`
}

func newAdjustmentView(a corrections.Adjustment) adjustmentView {
	return adjustmentView{
		ID:          a.ID,
		EmployeeID:  a.EmployeeID,
		Kind:        a.Kind,
		Amount:      a.Amount,
		Remaining:   a.Remaining(),
		Reason:      a.Reason,
		TargetYear:  a.TargetYear,
		TargetMonth: a.TargetMonth,
	}
}

type bracketView struct {
	Ordinal int              `json:"ordinal"`
	Lower   decimal.Decimal  `json:"lower"`
	Upper   *decimal.Decimal `json:"upper"`
	Rate    decimal.Decimal  `json:"rate"`
}

type periodView struct {
	ID          int64          `json:"id"`
	EmployerID  int64          `json:"employer_id"`
	Label       string         `json:"label"`
	Year        int            `json:"year"`
	Month       int            `json:"month"`
	StartDate   string         `json:"start_date"`
	EndDate     string         `json:"end_date"`
	WorkingDays int            `json:"working_days"`
	Status      periods.Status `json:"status"`
	ComputedAt  *time.Time     `json:"computed_at,omitempty"`
	ValidatedAt *time.Time     `json:"validated_at,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	PaidAt      *time.Time     `json:"paid_at,omitempty"`
}

func newPeriodView(p periods.Period) periodView {
	return periodView{
		ID:          p.ID,
		EmployerID:  p.EmployerID,
		Label:       p.Label(),
		Year:        p.Year,
		Month:       p.Month,
		StartDate:   p.StartDate.Format(time.DateOnly),
		EndDate:     p.EndDate.Format(time.DateOnly),
		WorkingDays: p.WorkingDays,
		Status:      p.Status,
		ComputedAt:  p.ComputedAt,
		ValidatedAt: p.ValidatedAt,
		ClosedAt:    p.ClosedAt,
		PaidAt:      p.PaidAt,
	}
}

type constantView struct {
	ID        int64              `json:"id"`
	Code      string             `json:"code"`
	Label     string             `json:"label"`
	Value     decimal.Decimal    `json:"value"`
	Kind      rules.ConstantKind `json:"kind"`
	Category  string             `json:"category,omitempty"`
	ValidFrom string             `json:"valid_from"`
}

type rubricView struct {
	ID               int64            `json:"id"`
	Code             string           `json:"code"`
	Label            string           `json:"label"`
	Kind             rules.RubricKind `json:"kind"`
	SubjectToSocial  bool             `json:"subject_to_social"`
	SubjectToTax     bool             `json:"subject_to_tax"`
	ForfaitIndemnity bool             `json:"forfait_indemnity"`
	DefaultBaseRef   string           `json:"default_base_ref,omitempty"`
	ComputationOrder int              `json:"computation_order"`
	Active           bool             `json:"active"`
}

type elementView struct {
	ID         int64            `json:"id"`
	EmployeeID int64            `json:"employee_id"`
	RubricCode string           `json:"rubric_code"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	BaseRef    string           `json:"base_ref,omitempty"`
	ValidFrom  string           `json:"valid_from"`
	ValidTo    string           `json:"valid_to,omitempty"`
}

func newElementView(e rules.SalaryElement) elementView {
	v := elementView{
		ID:         e.ID,
		EmployeeID: e.EmployeeID,
		RubricCode: e.RubricCode,
		Amount:     e.Amount,
		Rate:       e.Rate,
		BaseRef:    e.BaseRef,
		ValidFrom:  e.ValidFrom.Format(time.DateOnly),
	}
	if e.ValidTo != nil {
		v.ValidTo = e.ValidTo.Format(time.DateOnly)
	}
	return v
}
