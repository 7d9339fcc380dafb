package integration

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/payroll"
)

type payrollTotals struct {
	gross           decimal.Decimal
	backPay         decimal.Decimal
	socialEmployee  decimal.Decimal
	socialEmployer  decimal.Decimal
	incomeTax       decimal.Decimal
	employerTaxes   decimal.Decimal
	otherDeductions decimal.Decimal
	overpayment     decimal.Decimal
	net             decimal.Decimal
}

func totalsOf(slips []payroll.Slip) payrollTotals {
	var t payrollTotals
	for _, s := range slips {
		t.gross = t.gross.Add(s.Gross)
		t.backPay = t.backPay.Add(s.BackPay)
		t.socialEmployee = t.socialEmployee.Add(s.SocialEmployee)
		t.socialEmployer = t.socialEmployer.Add(s.SocialEmployer)
		t.incomeTax = t.incomeTax.Add(s.IncomeTax)
		t.employerTaxes = t.employerTaxes.Add(s.EmployerForfait).Add(s.EmployerTraining)
		t.otherDeductions = t.otherDeductions.Add(s.OtherDeductions)
		t.overpayment = t.overpayment.Add(s.OverpaymentWithheld)
		t.net = t.net.Add(s.Net)
	}
	return t
}

func (t payrollTotals) empty() bool {
	return t.gross.IsZero() && t.backPay.IsZero() && t.socialEmployer.IsZero() && t.employerTaxes.IsZero()
}

func checkBalanced(lines []PostingLine) error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return fmt.Errorf("%w: negative amount on %s", ErrUnbalanced, l.AccountCode)
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s, credit %s", ErrUnbalanced, debit, credit)
	}
	return nil
}
