package payroll

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/money"
	"github.com/gn-erp/paie/internal/rules"
)

// Order of the lines appended by the calculator.
const (
	orderSocialEmployee = 900 + iota*10
	orderIncomeTax
	orderSocialEmployer
	orderEmployerForfait
	orderTraining
)

// traineeTenureMonths bounds the trainee exemption from the current hire date.
const traineeTenureMonths = 12

var minimumBaseRatio = decimal.NewFromInt(10)

// CalcInput is the evaluated line set of one slip plus what the calculator
// needs to derive contributions, tax and net.
type CalcInput struct {
	Employee    Employee
	Year        int
	Month       int
	Built       Built
	Snapshot    *rules.Snapshot
	Adjustments Adjustments
}

// Calculate derives the social base, contributions, income tax, employer
// taxes and net to pay, in that order. The returned slip carries every line,
// the calculator's own lines included, and is not yet bound to a period.
func Calculate(in CalcInput) (Slip, error) {
	snap := in.Snapshot
	if snap == nil || snap.Schedule == nil {
		return Slip{}, fmt.Errorf("%w: no bracket table for %d", rules.ErrConfigurationMissing, in.Year)
	}
	currency := snap.Currency
	c, err := loadCalcConstants(snap)
	if err != nil {
		return Slip{}, err
	}

	slip := Slip{
		EmployerID:    in.Employee.EmployerID,
		EmployeeID:    in.Employee.ID,
		Number:        SlipNumber(in.Year, in.Month, in.Employee.Matricule),
		Year:          in.Year,
		Month:         in.Month,
		Currency:      currency,
		Matricule:     in.Employee.Matricule,
		EmployeeName:  in.Employee.FullName,
		Status:        SlipComputed,
		RulesRevision: snap.Revision,
		Warnings:      append([]Warning(nil), in.Built.Warnings...),
	}

	lines := make([]Line, 0, len(in.Built.Lines)+6)
	if in.Adjustments.CarriedDeduction.IsPositive() {
		lines = append(lines, Line{
			RubricCode: CodeCarriedIn,
			Label:      "Retenue reportée",
			Kind:       rules.KindDeduction,
			Amount:     money.Round(in.Adjustments.CarriedDeduction, currency),
			Order:      0,
			Displayed:  true,
		})
	}
	lines = append(lines, in.Built.Lines...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Order < lines[j].Order })

	gross, nonSocial, nonTaxable, forfait := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range lines {
		if !l.IsGain() {
			continue
		}
		gross = gross.Add(l.Amount)
		if !l.SubjectToSocial {
			nonSocial = nonSocial.Add(l.Amount)
		}
		if !l.SubjectToTax {
			nonTaxable = nonTaxable.Add(l.Amount)
		}
		if l.Forfait {
			forfait = forfait.Add(l.Amount)
		}
	}
	slip.Gross = gross

	// (a) social base
	rawBase := gross.Sub(nonSocial)
	if rawBase.LessThan(money.Percent(c.floor, minimumBaseRatio)) {
		slip.SocialBase = decimal.Zero
		slip.Warnings = append(slip.Warnings, WarnSocialBelowThreshold)
	} else {
		slip.SocialBase = money.Clamp(rawBase, c.floor, c.ceiling)
		slip.SocialEmployee = money.Round(money.Percent(slip.SocialBase, c.employeeRate), currency)
		slip.SocialEmployer = money.Round(money.Percent(slip.SocialBase, c.employerRate), currency)
	}

	// (b) forfait cap
	limit := money.Round(money.Percent(gross, c.forfaitCapPct), currency)
	excess := money.NonNegative(forfait.Sub(limit))

	// (c) taxable base
	taxable := money.NonNegative(gross.Sub(slip.SocialEmployee).Add(excess).Sub(nonTaxable))
	if traineeExempt(in, gross, c) {
		taxable = decimal.Zero
		slip.Warnings = append(slip.Warnings, WarnTraineeExempt)
	}
	slip.TaxableBase = taxable

	// (d) progressive tax
	slip.IncomeTax = snap.Schedule.Tax(taxable, currency)

	// (e) employer taxes on gross
	slip.EmployerForfait = money.Round(money.Percent(gross, c.forfaitRate), currency)
	switch {
	case c.taRate.IsPositive():
		slip.EmployerTrainingCode = CodeApprenticeship
		slip.EmployerTraining = money.Round(money.Percent(gross, c.taRate), currency)
		if c.onfppRate.IsPositive() {
			slip.Warnings = append(slip.Warnings, WarnTrainingTaxConflict)
		}
	case c.onfppRate.IsPositive():
		slip.EmployerTrainingCode = CodeTrainingFund
		slip.EmployerTraining = money.Round(money.Percent(gross, c.onfppRate), currency)
	}

	// (f) net to pay
	slip.BackPay = money.Round(in.Adjustments.BackPay, currency)
	slip.OverpaymentWithheld = money.Round(in.Adjustments.Overpayment, currency)
	slip.DeductionCarriedIn = money.Round(in.Adjustments.CarriedDeduction, currency)
	slip.OtherDeductions = sumDeductions(lines)
	slip.Net = slip.Gross.Sub(slip.SocialEmployee).Sub(slip.IncomeTax).Sub(slip.OtherDeductions).
		Add(slip.BackPay).Sub(slip.OverpaymentWithheld)

	if slip.Net.IsNegative() {
		shortfall := slip.Net.Neg()
		deferred := decimal.Zero
		for i := len(lines) - 1; i >= 0 && shortfall.IsPositive(); i-- {
			l := &lines[i]
			if !l.IsDeduction() || l.System || !l.Amount.IsPositive() {
				continue
			}
			cut := decimal.Min(l.Amount, shortfall)
			l.Amount = l.Amount.Sub(cut)
			l.Comment = joinComment(l.Comment, fmt.Sprintf("reporté : %s", cut.StringFixed(money.Places(currency))))
			// the uncollected part of a carried deduction stays pending on its
			// original ledger entry
			if l.RubricCode != CodeCarriedIn {
				deferred = deferred.Add(cut)
			}
			shortfall = shortfall.Sub(cut)
		}
		if shortfall.IsPositive() && slip.OverpaymentWithheld.IsPositive() {
			cut := decimal.Min(slip.OverpaymentWithheld, shortfall)
			slip.OverpaymentWithheld = slip.OverpaymentWithheld.Sub(cut)
			shortfall = shortfall.Sub(cut)
		}
		if shortfall.IsPositive() {
			return Slip{}, fmt.Errorf("%w: %s short by %s", ErrNegativeNet, slip.Number, shortfall)
		}
		slip.DeductionDeferred = deferred
		slip.DeductionCarriedIn = carriedIn(lines)
		slip.OtherDeductions = sumDeductions(lines)
		slip.Net = slip.Gross.Sub(slip.SocialEmployee).Sub(slip.IncomeTax).Sub(slip.OtherDeductions).
			Add(slip.BackPay).Sub(slip.OverpaymentWithheld)
		slip.Warnings = append(slip.Warnings, WarnNegativeNetAverted)
	}

	slip.Lines = append(lines, systemLines(slip, c)...)
	return slip, nil
}

func carriedIn(lines []Line) decimal.Decimal {
	for _, l := range lines {
		if l.RubricCode == CodeCarriedIn {
			return l.Amount
		}
	}
	return decimal.Zero
}

type calcConstants struct {
	floor         decimal.Decimal
	ceiling       decimal.Decimal
	employeeRate  decimal.Decimal
	employerRate  decimal.Decimal
	forfaitRate   decimal.Decimal
	forfaitCapPct decimal.Decimal
	taRate        decimal.Decimal
	onfppRate     decimal.Decimal
	traineeLimit  *decimal.Decimal
}

func loadCalcConstants(snap *rules.Snapshot) (calcConstants, error) {
	var c calcConstants
	required := []struct {
		code string
		dst  *decimal.Decimal
	}{
		{rules.CodePlancherCNSS, &c.floor},
		{rules.CodePlafondCNSS, &c.ceiling},
		{rules.CodeTauxCNSSEmploye, &c.employeeRate},
		{rules.CodeTauxCNSSEmployeur, &c.employerRate},
		{rules.CodeTauxVF, &c.forfaitRate},
		{rules.CodePlafondIndemnitesPct, &c.forfaitCapPct},
	}
	for _, r := range required {
		v, err := snap.RequireConstant(r.code)
		if err != nil {
			return calcConstants{}, err
		}
		*r.dst = v
	}
	c.employeeRate = money.Rate(c.employeeRate)
	c.employerRate = money.Rate(c.employerRate)
	c.forfaitRate = money.Rate(c.forfaitRate)
	c.taRate = money.Rate(snap.ConstantOr(rules.CodeTauxTA, decimal.Zero))
	c.onfppRate = money.Rate(snap.ConstantOr(rules.CodeTauxONFPP, decimal.Zero))
	if v, ok := snap.Constant(rules.CodeSeuilExonStagiaire); ok {
		c.traineeLimit = &v
	}
	return c, nil
}

// traineeExempt reports whether a trainee or apprentice within the first twelve
// months of the current contract and under the threshold owes no income tax.
func traineeExempt(in CalcInput, gross decimal.Decimal, c calcConstants) bool {
	if !in.Employee.TraineeOrApprentice() || c.traineeLimit == nil || gross.GreaterThan(*c.traineeLimit) {
		return false
	}
	return !monthEnd(in.Year, in.Month).After(in.Employee.HireDate.AddDate(0, traineeTenureMonths, 0))
}

func sumDeductions(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		if l.IsDeduction() && !l.System {
			total = total.Add(l.Amount)
		}
	}
	return total
}

func systemLines(s Slip, c calcConstants) []Line {
	base := s.SocialBase
	taxable := s.TaxableBase
	gross := s.Gross
	out := []Line{
		{RubricCode: CodeSocialEmployee, Label: "CNSS part salariale", Kind: rules.KindContribution, Base: &base, Rate: ptr(c.employeeRate), Amount: s.SocialEmployee, Order: orderSocialEmployee, Displayed: true, System: true},
		{RubricCode: CodeIncomeTax, Label: "Retenue sur traitements et salaires", Kind: rules.KindDeduction, Base: &taxable, Amount: s.IncomeTax, Order: orderIncomeTax, Displayed: true, System: true},
		{RubricCode: CodeSocialEmployer, Label: "CNSS part patronale", Kind: rules.KindInformational, Base: &base, Rate: ptr(c.employerRate), Amount: s.SocialEmployer, Order: orderSocialEmployer, Displayed: true, System: true},
		{RubricCode: CodeEmployerForfait, Label: "Versement forfaitaire", Kind: rules.KindInformational, Base: &gross, Rate: ptr(c.forfaitRate), Amount: s.EmployerForfait, Order: orderEmployerForfait, Displayed: true, System: true},
	}
	switch s.EmployerTrainingCode {
	case CodeApprenticeship:
		out = append(out, Line{RubricCode: CodeApprenticeship, Label: "Taxe d'apprentissage", Kind: rules.KindInformational, Base: &gross, Rate: ptr(c.taRate), Amount: s.EmployerTraining, Order: orderTraining, Displayed: true, System: true})
	case CodeTrainingFund:
		out = append(out, Line{RubricCode: CodeTrainingFund, Label: "Contribution ONFPP", Kind: rules.KindInformational, Base: &gross, Rate: ptr(c.onfppRate), Amount: s.EmployerTraining, Order: orderTraining, Displayed: true, System: true})
	}
	return out
}

func joinComment(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

func ptr[T any](v T) *T { return &v }

// monthEnd returns the last day of (year, month).
func monthEnd(year, month int) time.Time {
	return rules.FirstDay(year, month).AddDate(0, 1, -1)
}
