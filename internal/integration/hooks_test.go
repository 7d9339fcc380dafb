package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/payroll"
)

type stubLedger struct {
	posted []PostingInput
	err    error
}

func (s *stubLedger) PostJournal(_ context.Context, input PostingInput) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.posted = append(s.posted, input)
	return int64(len(s.posted)), nil
}

type stubMappings map[string]string

func (m stubMappings) Get(_ context.Context, _ int64, module, key string) (string, error) {
	if module != ModulePayroll {
		return "", nil
	}
	return m[key], nil
}

func fullMappings() stubMappings {
	return stubMappings{
		KeySalaryExpense:      "661",
		KeySocialExpense:      "664",
		KeyEmployerTaxExpense: "641",
		KeySocialPayable:      "431",
		KeyTaxPayable:         "447",
		KeyDeductionsPayable:  "427",
		KeyEmployeeReceivable: "425",
		KeyNetPayable:         "422",
	}
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func sampleSlips() []payroll.Slip {
	return []payroll.Slip{
		{
			Gross: d(1500000), SocialEmployee: d(75000), SocialEmployer: d(270000),
			IncomeTax: d(92500), OtherDeductions: d(100000), EmployerForfait: d(90000),
			EmployerTraining: d(22500), Net: d(1232500),
		},
		{
			Gross: d(600000), BackPay: d(50000), SocialEmployee: d(30000), SocialEmployer: d(108000),
			IncomeTax: d(2500), OverpaymentWithheld: d(20000), EmployerForfait: d(36000), Net: d(597500),
		},
	}
}

func evt() PayrollValidatedEvent {
	return PayrollValidatedEvent{
		EmployerID: 1, PeriodID: 42, Year: 2025, Month: 6,
		PeriodEnd: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		Slips:     sampleSlips(),
	}
}

func TestHandlePayrollValidatedPostsBalancedJournal(t *testing.T) {
	ledger := &stubLedger{}
	hooks := NewHooks(ledger, fullMappings())

	require.NoError(t, hooks.HandlePayrollValidated(context.Background(), evt()))
	require.Len(t, ledger.posted, 1)

	entry := ledger.posted[0]
	require.Equal(t, "PAYROLL.PERIOD", entry.SourceModule)
	require.Equal(t, uuid.NewSHA1(uuid.Nil, []byte("PAYROLL:42")), entry.SourceID)
	require.Equal(t, "Paie 06/2025", entry.Memo)
	require.NoError(t, checkBalanced(entry.Lines))

	byAccount := map[string]PostingLine{}
	for _, l := range entry.Lines {
		byAccount[l.AccountCode] = l
	}
	require.True(t, byAccount["661"].Debit.Equal(d(2150000)))
	require.True(t, byAccount["431"].Credit.Equal(d(483000)))
	require.True(t, byAccount["447"].Credit.Equal(d(243500)))
	require.True(t, byAccount["425"].Credit.Equal(d(20000)))
	require.True(t, byAccount["422"].Credit.Equal(d(1830000)))
}

func TestHandlePayrollValidatedIsIdempotent(t *testing.T) {
	hooks := NewHooks(&stubLedger{err: ErrSourceAlreadyLinked}, fullMappings())
	require.NoError(t, hooks.HandlePayrollValidated(context.Background(), evt()))
}

func TestHandlePayrollValidatedRequiresMappings(t *testing.T) {
	mappings := fullMappings()
	delete(mappings, KeyNetPayable)
	hooks := NewHooks(&stubLedger{}, mappings)

	err := hooks.HandlePayrollValidated(context.Background(), evt())
	require.True(t, errors.Is(err, ErrMappingMissing))
}

func TestCheckBalancedRejectsMismatch(t *testing.T) {
	err := checkBalanced([]PostingLine{
		{AccountCode: "661", Debit: d(100)},
		{AccountCode: "422", Credit: d(90)},
	})
	require.ErrorIs(t, err, ErrUnbalanced)
}
