package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func upper(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func schedule2025(t *testing.T) *Schedule {
	t.Helper()
	s, err := NewSchedule(2025, []Slab{
		{Ordinal: 1, Lower: decimal.Zero, Upper: upper(1_000_000), Rate: decimal.Zero},
		{Ordinal: 2, Lower: decimal.NewFromInt(1_000_000), Upper: upper(5_000_000), Rate: decimal.NewFromInt(5)},
		{Ordinal: 3, Lower: decimal.NewFromInt(5_000_000), Upper: upper(10_000_000), Rate: decimal.NewFromInt(10)},
		{Ordinal: 4, Lower: decimal.NewFromInt(10_000_000), Upper: upper(20_000_000), Rate: decimal.NewFromInt(15)},
		{Ordinal: 5, Lower: decimal.NewFromInt(20_000_000), Rate: decimal.NewFromInt(20)},
	})
	require.NoError(t, err)
	return s
}

func TestTaxAcrossBrackets(t *testing.T) {
	s := schedule2025(t)
	cases := []struct {
		taxable int64
		want    int64
	}{
		{0, 0},
		{372_500, 0},
		{1_000_000, 0},
		{1_575_000, 28_750},
		{2_875_000, 93_750},
		{5_000_000, 200_000},
		{10_000_000, 700_000},
		{10_000_001, 700_000},
		{25_000_000, 3_200_000},
	}
	for _, tc := range cases {
		got := s.Tax(decimal.NewFromInt(tc.taxable), "GNF")
		require.Truef(t, got.Equal(decimal.NewFromInt(tc.want)), "tax(%d) = %s, want %d", tc.taxable, got, tc.want)
	}
}

func TestUpperBoundIsInclusive(t *testing.T) {
	s := schedule2025(t)
	parts := s.Breakdown(decimal.NewFromInt(5_000_000))
	require.Len(t, parts, 5)
	require.True(t, parts[1].Equal(decimal.NewFromInt(200_000)))
	require.True(t, parts[2].IsZero())
}

func TestNewScheduleRejectsGapsAndOverlaps(t *testing.T) {
	_, err := NewSchedule(2025, []Slab{
		{Ordinal: 1, Lower: decimal.Zero, Upper: upper(1_000_000)},
		{Ordinal: 2, Lower: decimal.NewFromInt(1_200_000), Rate: decimal.NewFromInt(5)},
	})
	require.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewSchedule(2025, []Slab{
		{Ordinal: 1, Lower: decimal.Zero, Upper: upper(1_000_000)},
		{Ordinal: 2, Lower: decimal.NewFromInt(900_000), Rate: decimal.NewFromInt(5)},
	})
	require.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewSchedule(2025, []Slab{
		{Ordinal: 1, Lower: decimal.Zero, Upper: upper(1_000_000)},
	})
	require.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewSchedule(2025, []Slab{
		{Ordinal: 1, Lower: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestSlabsAreOrderedCopies(t *testing.T) {
	s, err := NewSchedule(2024, []Slab{
		{Ordinal: 2, Lower: decimal.NewFromInt(1_000_000), Rate: decimal.NewFromInt(10)},
		{Ordinal: 1, Lower: decimal.Zero, Upper: upper(1_000_000)},
	})
	require.NoError(t, err)
	slabs := s.Slabs()
	require.Equal(t, 1, slabs[0].Ordinal)
	slabs[0].Rate = decimal.NewFromInt(99)
	require.True(t, s.Slabs()[0].Rate.IsZero())
	require.Equal(t, 2024, s.Year())
}
