package hr

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestSeverance(t *testing.T) {
	ref := decimal.NewFromInt(1000000)
	cases := []struct {
		years int
		want  int64
	}{
		{0, 0},
		{1, 330000},
		{5, 1650000},
		{6, 2000000},
		{10, 3400000},
		{12, 4200000},
	}
	for _, tc := range cases {
		got := Severance(tc.years, ref, "GNF")
		require.Truef(t, got.Equal(decimal.NewFromInt(tc.want)), "%d years: got %s", tc.years, got)
	}
}

func TestSeniorityYears(t *testing.T) {
	hire := date(2015, 3, 15)
	require.Equal(t, 9, SeniorityYears(hire, date(2025, 3, 14)))
	require.Equal(t, 10, SeniorityYears(hire, date(2025, 3, 15)))
	require.Equal(t, 0, SeniorityYears(hire, date(2014, 1, 1)))
}

func TestNotice(t *testing.T) {
	require.Equal(t, 3, NoticeMonths(CategoryExecutive))
	require.Equal(t, 2, NoticeMonths(CategorySupervisory))
	require.Equal(t, 1, NoticeMonths(CategoryEmployee))

	monthly := decimal.NewFromInt(800000)
	require.True(t, NoticeIndemnity(CategorySupervisory, monthly, false, "GNF").Equal(decimal.NewFromInt(1600000)))
	require.True(t, NoticeIndemnity(CategorySupervisory, monthly, true, "GNF").IsZero())
}

func TestFamilyAllowance(t *testing.T) {
	at := date(2025, 3, 1)
	children := []Child{
		{BirthDate: date(2010, 1, 1)},                 // 15
		{BirthDate: date(2007, 6, 1)},                 // 17, not enrolled
		{BirthDate: date(2006, 6, 1), Enrolled: true}, // 18, enrolled
		{BirthDate: date(2004, 6, 1), Enrolled: true}, // 20, too old
		{BirthDate: date(2026, 1, 1)},                 // not yet born
	}
	perChild := decimal.NewFromInt(9000)

	count, amount := FamilyAllowance(decimal.NewFromInt(20), decimal.Zero, children, at, perChild, "GNF")
	require.Equal(t, 2, count)
	require.True(t, amount.Equal(decimal.NewFromInt(18000)))

	count, amount = FamilyAllowance(decimal.NewFromInt(10), decimal.NewFromInt(120), children, at, perChild, "GNF")
	require.Equal(t, 2, count)
	require.True(t, amount.Equal(decimal.NewFromInt(18000)))

	count, amount = FamilyAllowance(decimal.NewFromInt(17), decimal.NewFromInt(119), children, at, perChild, "GNF")
	require.Zero(t, count)
	require.True(t, amount.IsZero())

	many := make([]Child, 14)
	for i := range many {
		many[i] = Child{BirthDate: date(2015, 1, 1)}
	}
	require.Equal(t, MaxFamilyChildren, EligibleChildren(many, at))
}

func TestWorkAccident(t *testing.T) {
	daily := decimal.NewFromInt(30000)

	got, err := WorkAccident(daily, 0, 10, "GNF")
	require.NoError(t, err)
	require.Equal(t, 10, got.DaysAtFirstRate)
	require.True(t, got.Amount.Equal(decimal.NewFromInt(150000)))

	got, err = WorkAccident(daily, 20, 15, "GNF")
	require.NoError(t, err)
	require.Equal(t, 8, got.DaysAtFirstRate)
	require.Equal(t, 7, got.DaysAtLaterRate)
	// 8 × 15 000 + 7 × 20 010
	require.True(t, got.Amount.Equal(decimal.NewFromInt(260070)), "got %s", got.Amount)

	_, err = WorkAccident(daily, -1, 3, "GNF")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMaternityWindow(t *testing.T) {
	w, err := Maternity(date(2025, 5, 1), false, 0)
	require.NoError(t, err)
	require.Equal(t, "2025-03-20", w.Start.Format(time.DateOnly))
	require.Equal(t, "2025-06-25", w.PaidEnd.Format(time.DateOnly))
	require.Equal(t, 98, w.PaidDays)
	require.Nil(t, w.UnpaidEnd)

	require.Equal(t, 12, w.PaidDaysIn(date(2025, 3, 1), date(2025, 3, 31)))
	require.Equal(t, 30, w.PaidDaysIn(date(2025, 4, 1), date(2025, 4, 30)))
	require.Equal(t, 0, w.PaidDaysIn(date(2025, 7, 1), date(2025, 7, 31)))

	ext, err := Maternity(date(2025, 5, 1), true, 2)
	require.NoError(t, err)
	require.Equal(t, 119, ext.PaidDays)
	require.Equal(t, "2025-07-16", ext.PaidEnd.Format(time.DateOnly))
	require.NotNil(t, ext.UnpaidEnd)
	require.Equal(t, "2025-09-16", ext.UnpaidEnd.Format(time.DateOnly))
	require.Equal(t, 15, ext.UnpaidDaysIn(date(2025, 7, 1), date(2025, 7, 31)))

	_, err = Maternity(date(2025, 5, 1), false, 10)
	require.ErrorIs(t, err, ErrInvalidInput)
}
