package view

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/gn-erp/paie/internal/money"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
}

// SlipData is the model of the slip template.
type SlipData struct {
	Slip     payroll.Slip
	Period   string
	Lines    []payroll.Line
	IssuedAt time.Time
}

// NewSlipData prepares the displayed lines of slip.
func NewSlipData(slip payroll.Slip, issuedAt time.Time) SlipData {
	return SlipData{
		Slip:     slip,
		Period:   fmt.Sprintf("%02d/%04d", slip.Month, slip.Year),
		Lines:    slip.DisplayedLines(),
		IssuedAt: issuedAt,
	}
}

// NewEngine parses the embedded templates.
func NewEngine() (*Engine, error) {
	printer := message.NewPrinter(language.French)
	formatAmount := func(d decimal.Decimal, currency string) string {
		places := money.Places(currency)
		rounded := money.Round(d, currency)
		if places == 0 {
			return printer.Sprint(number.Decimal(rounded.IntPart()))
		}
		return printer.Sprint(number.Decimal(rounded.InexactFloat64(), number.Scale(int(places))))
	}
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02/01/2006")
		},
		"amount": formatAmount,
		"optAmount": func(d *decimal.Decimal, currency string) string {
			if d == nil {
				return ""
			}
			return formatAmount(*d, currency)
		},
		"rate": func(d *decimal.Decimal) string {
			if d == nil {
				return ""
			}
			return printer.Sprint(number.Decimal(d.InexactFloat64(), number.MaxFractionDigits(int(money.RatePlaces)))) + " %"
		},
		"quantity": func(d *decimal.Decimal) string {
			if d == nil {
				return ""
			}
			return printer.Sprint(number.Decimal(d.InexactFloat64(), number.MaxFractionDigits(2)))
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template into w.
func (e *Engine) Render(w io.Writer, name string, data any) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	return e.templates.ExecuteTemplate(w, name, data)
}
