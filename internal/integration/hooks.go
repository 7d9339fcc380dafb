package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/payroll"
)

// ModulePayroll is the account-mapping module of payroll postings.
const ModulePayroll = "PAYROLL"

// Account mapping keys read for payroll postings.
const (
	KeySalaryExpense      = "payroll.salary_expense"
	KeySocialExpense      = "payroll.social_expense"
	KeyEmployerTaxExpense = "payroll.employer_tax_expense"
	KeySocialPayable      = "payroll.social_payable"
	KeyTaxPayable         = "payroll.tax_payable"
	KeyDeductionsPayable  = "payroll.deductions_payable"
	KeyEmployeeReceivable = "payroll.employee_receivable"
	KeyNetPayable         = "payroll.net_payable"
)

var (
	// ErrSourceAlreadyLinked indicates the source document was already posted.
	ErrSourceAlreadyLinked = errors.New("integration: source already linked to a journal")
	// ErrUnbalanced indicates debits and credits differ.
	ErrUnbalanced = errors.New("integration: journal is not balanced")
	// ErrMappingMissing indicates no account is mapped for a key.
	ErrMappingMissing = errors.New("integration: account mapping missing")
)

// PostingLine is one journal line.
type PostingLine struct {
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Memo        string
}

// PostingInput is a journal entry to post.
type PostingInput struct {
	EmployerID   int64
	PeriodID     int64
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	Lines        []PostingLine
}

// Ledger exposes journal posting operations required by integrations.
type Ledger interface {
	PostJournal(ctx context.Context, input PostingInput) (int64, error)
}

// AccountMappingRepository provides mapping lookups.
type AccountMappingRepository interface {
	Get(ctx context.Context, employerID int64, module, key string) (string, error)
}

// Hooks wires payroll events into the general ledger.
type Hooks struct {
	ledger      Ledger
	mappingRepo AccountMappingRepository
}

// NewHooks constructs integration hooks.
func NewHooks(ledger Ledger, mappingRepo AccountMappingRepository) *Hooks {
	return &Hooks{ledger: ledger, mappingRepo: mappingRepo}
}

// PayrollValidatedEvent carries the slips frozen by a period validation.
type PayrollValidatedEvent struct {
	EmployerID int64
	PeriodID   int64
	Year       int
	Month      int
	PeriodEnd  time.Time
	Slips      []payroll.Slip
}

func (h *Hooks) resolveAccount(ctx context.Context, employerID int64, key string) (string, error) {
	code, err := h.mappingRepo.Get(ctx, employerID, ModulePayroll, key)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", fmt.Errorf("%w: %s", ErrMappingMissing, key)
	}
	return code, nil
}

func (h *Hooks) post(ctx context.Context, input PostingInput) error {
	if input.SourceID == uuid.Nil {
		return errors.New("integration: source id required")
	}
	if err := checkBalanced(input.Lines); err != nil {
		return err
	}
	_, err := h.ledger.PostJournal(ctx, input)
	if errors.Is(err, ErrSourceAlreadyLinked) {
		return nil
	}
	return err
}

// HandlePayrollValidated posts the payroll journal of a validated period:
// expenses on the debit side, amounts owed to the social fund, the treasury,
// third parties and employees on the credit side.
func (h *Hooks) HandlePayrollValidated(ctx context.Context, evt PayrollValidatedEvent) error {
	if h == nil || h.ledger == nil || h.mappingRepo == nil {
		return nil
	}
	if evt.PeriodEnd.IsZero() {
		return errors.New("integration: payroll period end required")
	}
	t := totalsOf(evt.Slips)
	if t.empty() {
		return nil
	}

	amounts := []struct {
		key    string
		debit  decimal.Decimal
		credit decimal.Decimal
		memo   string
	}{
		{KeySalaryExpense, t.gross.Add(t.backPay), decimal.Zero, "salaires bruts"},
		{KeySocialExpense, t.socialEmployer, decimal.Zero, "CNSS part patronale"},
		{KeyEmployerTaxExpense, t.employerTaxes, decimal.Zero, "VF et formation"},
		{KeySocialPayable, decimal.Zero, t.socialEmployee.Add(t.socialEmployer), "CNSS à payer"},
		{KeyTaxPayable, decimal.Zero, t.incomeTax.Add(t.employerTaxes), "RTS, VF et formation à payer"},
		{KeyDeductionsPayable, decimal.Zero, t.otherDeductions, "retenues diverses"},
		{KeyEmployeeReceivable, decimal.Zero, t.overpayment, "trop-perçus récupérés"},
		{KeyNetPayable, decimal.Zero, t.net, "net à payer"},
	}
	lines := make([]PostingLine, 0, len(amounts))
	for _, a := range amounts {
		if a.debit.IsZero() && a.credit.IsZero() {
			continue
		}
		account, err := h.resolveAccount(ctx, evt.EmployerID, a.key)
		if err != nil {
			return err
		}
		lines = append(lines, PostingLine{AccountCode: account, Debit: a.debit, Credit: a.credit, Memo: a.memo})
	}

	input := PostingInput{
		EmployerID:   evt.EmployerID,
		PeriodID:     evt.PeriodID,
		Date:         evt.PeriodEnd,
		SourceModule: "PAYROLL.PERIOD",
		SourceID:     uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("PAYROLL:%d", evt.PeriodID))),
		Memo:         fmt.Sprintf("Paie %02d/%04d", evt.Month, evt.Year),
		Lines:        lines,
	}
	return h.post(ctx, input)
}
