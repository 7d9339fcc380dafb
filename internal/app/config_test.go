package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ARCHIVE_FORMAT", "PDF")
	t.Setenv("PAYROLL_DEFAULT_CURRENCY", "gnf")
	t.Setenv("RULES_TTL_ELEMENTS", "2m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ArchiveFormatPDF, cfg.ArchiveFormat)
	require.Equal(t, "GNF", cfg.PayrollDefaultCurrency)
	require.Equal(t, 10, cfg.ArchiveRetentionYears)
	require.False(t, cfg.IsProduction())

	ttl := cfg.RuleTTLs()
	require.Equal(t, 2*time.Minute, ttl.Elements)
	require.Equal(t, time.Hour, ttl.Constants)
}

func TestLoadConfigRejectsShortRetention(t *testing.T) {
	t.Setenv("ARCHIVE_RETENTION_YEARS", "5")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "at least 10 years")
}

func TestLoadConfigRejectsUnknownArchiveFormat(t *testing.T) {
	t.Setenv("ARCHIVE_FORMAT", "docx")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
