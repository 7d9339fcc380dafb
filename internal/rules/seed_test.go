package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSeedDecodes(t *testing.T) {
	seed, err := DefaultSeed()
	require.NoError(t, err)
	require.Equal(t, "GNF", seed.Currency)

	tables, err := seed.Schedules()
	require.NoError(t, err)
	require.Len(t, tables[2025], 5)
	require.Nil(t, tables[2025][4].Upper)

	codes := map[string]bool{}
	for _, c := range seed.Constants {
		codes[c.Code] = true
	}
	for _, code := range RequiredConstants {
		require.Truef(t, codes[code], "seed lacks %s", code)
	}
}

func TestLoadSeedRejectsUnknownFieldsAndBadTables(t *testing.T) {
	_, err := LoadSeed(strings.NewReader("currency: GNF\nbogus: 1\n"))
	require.Error(t, err)

	_, err = LoadSeed(strings.NewReader(`
brackets:
  2025:
    - {lower: "0", upper: "100", rate: "0"}
    - {lower: "200", rate: "5"}
`))
	require.ErrorIs(t, err, ErrInvalidBrackets)
}
