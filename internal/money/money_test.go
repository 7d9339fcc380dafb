package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfUp(t *testing.T) {
	cases := []struct {
		in     string
		places int32
		want   string
	}{
		{"60002.8", 0, "60003"},
		{"18462.4", 0, "18462"},
		{"700000.15", 0, "700000"},
		{"2.5", 0, "3"},
		{"-2.5", 0, "-2"},
		{"12.34565", 4, "12.3457"},
	}
	for _, tc := range cases {
		got := RoundHalfUp(MustParse(tc.in), tc.places)
		require.Truef(t, got.Equal(MustParse(tc.want)), "round(%s, %d) = %s, want %s", tc.in, tc.places, got, tc.want)
	}
}

func TestRoundUsesCurrencyUnit(t *testing.T) {
	require.True(t, Round(MustParse("11538.68"), "GNF").Equal(decimal.NewFromInt(11539)))
	require.True(t, Round(MustParse("10.005"), "EUR").Equal(MustParse("10.01")))
	require.Equal(t, int32(2), Places("ZZZ"))
}

func TestPercentAndClamp(t *testing.T) {
	got := Percent(decimal.NewFromInt(550000), decimal.NewFromInt(5))
	require.True(t, got.Equal(decimal.NewFromInt(27500)))

	lo, hi := decimal.NewFromInt(550000), decimal.NewFromInt(2500000)
	require.True(t, Clamp(decimal.NewFromInt(400000), lo, hi).Equal(lo))
	require.True(t, Clamp(decimal.NewFromInt(3000000), lo, hi).Equal(hi))
	require.True(t, Clamp(decimal.NewFromInt(1500000), lo, hi).Equal(decimal.NewFromInt(1500000)))
}

func TestParseAcceptsGroupedDigits(t *testing.T) {
	d, err := Parse("1 500 000")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.NewFromInt(1500000)))

	_, err = Parse("abc")
	require.Error(t, err)
}
