package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/money"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/rules"
)

const simulateEmployer int64 = 1

// SimulateOptions defines available flags for the simulate command.
type SimulateOptions struct {
	Period     string
	Salary     string
	Category   string
	Contract   string
	Children   int
	HireDate   string
	Elements   []string
	SeedPath   string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// SimulateSummary describes the JSON response for simulate.
type SimulateSummary struct {
	Period         string               `json:"period"`
	Currency       string               `json:"currency"`
	Gross          decimal.Decimal      `json:"gross"`
	SocialBase     decimal.Decimal      `json:"social_base"`
	TaxableBase    decimal.Decimal      `json:"taxable_base"`
	SocialEmployee decimal.Decimal      `json:"social_employee"`
	SocialEmployer decimal.Decimal      `json:"social_employer"`
	IncomeTax      decimal.Decimal      `json:"income_tax"`
	Net            decimal.Decimal      `json:"net"`
	Warnings       []string             `json:"warnings"`
	Lines          []SimulateLineResult `json:"lines"`
}

// SimulateLineResult is one displayed line of the simulated slip.
type SimulateLineResult struct {
	Code   string           `json:"code"`
	Label  string           `json:"label"`
	Kind   string           `json:"kind"`
	Base   *decimal.Decimal `json:"base,omitempty"`
	Rate   *decimal.Decimal `json:"rate,omitempty"`
	Amount decimal.Decimal  `json:"amount"`
}

// SimulateCommand computes a slip offline against a seed rule set and prints it.
func SimulateCommand(ctx context.Context, opts SimulateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	period, err := time.Parse("2006-01", strings.TrimSpace(opts.Period))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "simulate: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	in, err := opts.input(period)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "simulate: %v\n", err)
		return 1
	}
	svc, err := offlineEngine(ctx, opts.SeedPath)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "simulate: %v\n", err)
		return 1
	}
	slip, err := svc.Simulate(ctx, in)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "simulate: %v\n", err)
		return 2
	}
	summary := buildSimulateSummary(slip)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "simulate: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	renderSimulateHuman(opts.Stdout, summary)
	return 0
}

func (o SimulateOptions) input(period time.Time) (payroll.SimulateInput, error) {
	salary, err := money.Parse(o.Salary)
	if err != nil {
		return payroll.SimulateInput{}, fmt.Errorf("invalid salary %q", o.Salary)
	}
	in := payroll.SimulateInput{
		EmployerID: simulateEmployer,
		Year:       period.Year(),
		Month:      int(period.Month()),
		Category:   hr.Category(strings.ToUpper(strings.TrimSpace(o.Category))),
		Contract:   payroll.ContractType(strings.ToUpper(strings.TrimSpace(o.Contract))),
		Children:   o.Children,
		BaseSalary: salary,
	}
	if strings.TrimSpace(o.HireDate) != "" {
		hire, err := time.Parse(time.DateOnly, strings.TrimSpace(o.HireDate))
		if err != nil {
			return payroll.SimulateInput{}, fmt.Errorf("invalid hire date %q (expected YYYY-MM-DD)", o.HireDate)
		}
		in.HireDate = &hire
	}
	for _, raw := range o.Elements {
		code, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(code) == "" {
			return payroll.SimulateInput{}, fmt.Errorf("invalid element %q (expected CODE=amount)", raw)
		}
		amount, err := money.Parse(value)
		if err != nil {
			return payroll.SimulateInput{}, fmt.Errorf("invalid element amount %q", raw)
		}
		in.Extra = append(in.Extra, payroll.SimulatedElement{
			RubricCode: strings.ToUpper(strings.TrimSpace(code)),
			Amount:     &amount,
		})
	}
	return in, nil
}

// offlineEngine builds a payroll service over an in-memory rule store loaded
// from seedPath, or from the embedded rule set when seedPath is empty.
func offlineEngine(ctx context.Context, seedPath string) (*payroll.Service, error) {
	seed, err := loadSeed(seedPath)
	if err != nil {
		return nil, err
	}
	currency := seed.Currency
	if currency == "" {
		currency = "GNF"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := rules.NewMemoryStore(currency)
	cache := rules.NewCache(store, store, nil, rules.TTLs{}, logger)
	if err := seed.Apply(ctx, rules.NewService(store, cache, logger), simulateEmployer, 0, true); err != nil {
		return nil, fmt.Errorf("apply seed: %w", err)
	}
	return payroll.NewService(cache, nil, logger), nil
}

func loadSeed(path string) (*rules.Seed, error) {
	if strings.TrimSpace(path) == "" {
		return rules.DefaultSeed()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return rules.LoadSeed(f)
}

func buildSimulateSummary(slip payroll.Slip) SimulateSummary {
	summary := SimulateSummary{
		Period:         fmt.Sprintf("%04d-%02d", slip.Year, slip.Month),
		Currency:       slip.Currency,
		Gross:          slip.Gross,
		SocialBase:     slip.SocialBase,
		TaxableBase:    slip.TaxableBase,
		SocialEmployee: slip.SocialEmployee,
		SocialEmployer: slip.SocialEmployer,
		IncomeTax:      slip.IncomeTax,
		Net:            slip.Net,
		Warnings:       make([]string, 0, len(slip.Warnings)),
	}
	for _, w := range slip.Warnings {
		summary.Warnings = append(summary.Warnings, string(w))
	}
	for _, line := range slip.DisplayedLines() {
		summary.Lines = append(summary.Lines, SimulateLineResult{
			Code:   line.RubricCode,
			Label:  line.Label,
			Kind:   string(line.Kind),
			Base:   line.Base,
			Rate:   line.Rate,
			Amount: line.Amount,
		})
	}
	return summary
}

func renderSimulateHuman(out io.Writer, s SimulateSummary) {
	_, _ = fmt.Fprintf(out, "Simulated slip for %s (%s)\n", s.Period, s.Currency)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "CODE\tLABEL\tBASE\tRATE\tAMOUNT\t")
	for _, line := range s.Lines {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", line.Code, line.Label, optional(line.Base), optional(line.Rate), line.Amount.String())
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(out, "Gross %s | CNSS employee %s | RTS %s | Net %s\n", s.Gross, s.SocialEmployee, s.IncomeTax, s.Net)
	if len(s.Warnings) > 0 {
		_, _ = fmt.Fprintf(out, "Warnings: %s\n", strings.Join(s.Warnings, ", "))
	}
}

func optional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
