package view

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/rules"
)

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine()
	assert.NoError(t, err, "Templates should parse without error")
	assert.NotNil(t, engine)
}

func TestRenderSlip(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	slip := payroll.Slip{
		Number:       "BP-2025-06-0001",
		Year:         2025,
		Month:        6,
		Currency:     "GNF",
		Matricule:    "0001",
		EmployeeName: "Diallo <Mamadou>",
		Gross:        decimal.NewFromInt(1500000),
		Net:          decimal.NewFromInt(1330000),
		Lines: []payroll.Line{
			{RubricCode: "SAL_BASE", Label: "Salaire de base", Kind: rules.KindGain, Amount: decimal.NewFromInt(1500000), Displayed: true},
			{RubricCode: "HIDDEN", Label: "Masqué", Kind: rules.KindInformational, Amount: decimal.NewFromInt(1), Displayed: false},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, engine.Render(&buf, "slip", NewSlipData(slip, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))))

	html := buf.String()
	require.Contains(t, html, "BP-2025-06-0001")
	require.Contains(t, html, "Salaire de base")
	require.NotContains(t, html, "Masqué")
	require.Contains(t, html, "Diallo &lt;Mamadou&gt;")
	require.Contains(t, html, "01/07/2025")
	require.Regexp(t, `1\D{1,3}500\D{1,3}000`, html)
}
