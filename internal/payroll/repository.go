package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/platform/db"
	"github.com/gn-erp/paie/internal/rules"
)

const slipEmployeePeriodKey = "slips_employee_period_key"

// SlipStore persists slips inside a caller-owned transaction.
type SlipStore interface {
	DeleteForPeriod(ctx context.Context, periodID int64) (int64, error)
	DeleteSlip(ctx context.Context, employeeID, periodID int64) error
	InsertSlip(ctx context.Context, slip *Slip) error
	SlipsForPeriod(ctx context.Context, periodID int64) ([]Slip, error)
	SetStatusForPeriod(ctx context.Context, periodID int64, status SlipStatus) error
}

// Repository reads employees, monthly inputs and slips from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx-backed payroll repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SlipsFor binds slip persistence to q, usually a pgx.Tx.
func SlipsFor(q db.Querier) SlipStore {
	return &slipStore{q: q}
}

const employeeColumns = `id, employer_id, matricule, full_name, sex, birth_date, hire_date, contract_type,
category, marital_status, dependent_children, payment_mode, active`

// ActiveEmployees lists employees hired on or before day, in matricule order.
func (r *Repository) ActiveEmployees(ctx context.Context, employerID int64, day time.Time) ([]Employee, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+employeeColumns+`
FROM employees
WHERE employer_id = $1 AND active AND hire_date <= $2
ORDER BY matricule, id`, employerID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}
	ids := make([]int64, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	children, err := r.childrenOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Children = children[out[i].ID]
	}
	return out, nil
}

// Employee loads one employee with its children.
func (r *Repository) Employee(ctx context.Context, employerID, employeeID int64) (Employee, error) {
	e, err := scanEmployee(r.pool.QueryRow(ctx, `SELECT `+employeeColumns+`
FROM employees WHERE employer_id = $1 AND id = $2`, employerID, employeeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Employee{}, ErrEmployeeNotFound
	}
	if err != nil {
		return Employee{}, err
	}
	if e.Children, err = r.children(ctx, e.ID); err != nil {
		return Employee{}, err
	}
	return e, nil
}

func (r *Repository) children(ctx context.Context, employeeID int64) ([]hr.Child, error) {
	rows, err := r.pool.Query(ctx, `SELECT birth_date, enrolled FROM employee_children
WHERE employee_id = $1 ORDER BY birth_date, id`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hr.Child
	for rows.Next() {
		var c hr.Child
		if err := rows.Scan(&c.BirthDate, &c.Enrolled); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) childrenOf(ctx context.Context, employeeIDs []int64) (map[int64][]hr.Child, error) {
	rows, err := r.pool.Query(ctx, `SELECT employee_id, birth_date, enrolled FROM employee_children
WHERE employee_id = ANY($1) ORDER BY employee_id, birth_date, id`, employeeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]hr.Child)
	for rows.Next() {
		var (
			id int64
			c  hr.Child
		)
		if err := rows.Scan(&id, &c.BirthDate, &c.Enrolled); err != nil {
			return nil, err
		}
		out[id] = append(out[id], c)
	}
	return out, rows.Err()
}

func scanEmployee(row pgx.Row) (Employee, error) {
	var (
		e        Employee
		contract string
		category string
	)
	if err := row.Scan(&e.ID, &e.EmployerID, &e.Matricule, &e.FullName, &e.Sex, &e.BirthDate, &e.HireDate,
		&contract, &category, &e.MaritalStatus, &e.DependentChildren, &e.PaymentMode, &e.Active); err != nil {
		return Employee{}, err
	}
	e.Contract = ContractType(contract)
	e.Category = hr.Category(category)
	return e, nil
}

const inputColumns = `worked_days::text, worked_hours::text, ot_first4::text, ot_beyond::text,
ot_night::text, ot_holiday_day::text, ot_holiday_night::text`

// MonthlyInputs returns the attendance figures; a missing row means none recorded.
func (r *Repository) MonthlyInputs(ctx context.Context, employeeID int64, year, month int) (MonthlyInputs, error) {
	in, err := scanInputs(r.pool.QueryRow(ctx, `SELECT `+inputColumns+`
FROM payroll_monthly_inputs WHERE employee_id = $1 AND year = $2 AND month = $3`, employeeID, year, month))
	if errors.Is(err, pgx.ErrNoRows) {
		return MonthlyInputs{}, nil
	}
	return in, err
}

// PeriodInputs returns the attendance figures of every employee of the
// employer for a month, keyed by employee.
func (r *Repository) PeriodInputs(ctx context.Context, employerID int64, year, month int) (map[int64]MonthlyInputs, error) {
	rows, err := r.pool.Query(ctx, `SELECT employee_id, `+inputColumns+`
FROM payroll_monthly_inputs WHERE employer_id = $1 AND year = $2 AND month = $3`, employerID, year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]MonthlyInputs)
	for rows.Next() {
		var id int64
		in, err := scanInputs(rows, &id)
		if err != nil {
			return nil, err
		}
		out[id] = in
	}
	return out, rows.Err()
}

func scanInputs(row pgx.Row, prefix ...any) (MonthlyInputs, error) {
	var days, hours *string
	var first4, beyond, night, hday, hnight string
	dest := append(prefix, &days, &hours, &first4, &beyond, &night, &hday, &hnight)
	if err := row.Scan(dest...); err != nil {
		return MonthlyInputs{}, err
	}
	var (
		in  MonthlyInputs
		err error
	)
	if in.WorkedDays, err = db.ParseNullNumeric(days); err != nil {
		return MonthlyInputs{}, err
	}
	if in.WorkedHours, err = db.ParseNullNumeric(hours); err != nil {
		return MonthlyInputs{}, err
	}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{first4, &in.OvertimeFirst4},
		{beyond, &in.OvertimeBeyond},
		{night, &in.OvertimeNight},
		{hday, &in.OvertimeHolidayDay},
		{hnight, &in.OvertimeHolidayNight},
	} {
		if *f.dst, err = db.ParseNumeric(f.raw); err != nil {
			return MonthlyInputs{}, err
		}
	}
	return in, nil
}

const eventColumns = `id, kind, event_date, days, day_offset, reference_salary::text,
notice_worked, medical_extension, unpaid_extension_months`

// Events returns HR events dated within [from, to].
func (r *Repository) Events(ctx context.Context, employeeID int64, from, to time.Time) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+`
FROM payroll_events
WHERE employee_id = $1 AND event_date BETWEEN $2 AND $3
ORDER BY event_date, id`, employeeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PeriodEvents returns the HR events of every employee of the employer dated
// within [from, to], keyed by employee.
func (r *Repository) PeriodEvents(ctx context.Context, employerID int64, from, to time.Time) (map[int64][]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT employee_id, `+eventColumns+`
FROM payroll_events
WHERE employer_id = $1 AND event_date BETWEEN $2 AND $3
ORDER BY employee_id, event_date, id`, employerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]Event)
	for rows.Next() {
		var id int64
		ev, err := scanEvent(rows, &id)
		if err != nil {
			return nil, err
		}
		out[id] = append(out[id], ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row, prefix ...any) (Event, error) {
	var (
		ev   Event
		kind string
		ref  *string
	)
	dest := append(prefix, &ev.ID, &kind, &ev.Date, &ev.Days, &ev.DayOffset, &ref,
		&ev.NoticeWorked, &ev.MedicalExtension, &ev.UnpaidExtensionMonths)
	if err := row.Scan(dest...); err != nil {
		return Event{}, err
	}
	ev.Kind = EventKind(kind)
	var err error
	if ev.ReferenceSalary, err = db.ParseNullNumeric(ref); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Slip loads a slip with its lines.
func (r *Repository) Slip(ctx context.Context, id int64) (Slip, error) {
	return loadSlip(ctx, r.pool, `WHERE s.id = $1`, id)
}

// SlipByToken loads a slip by its public access token.
func (r *Repository) SlipByToken(ctx context.Context, token uuid.UUID) (Slip, error) {
	return loadSlip(ctx, r.pool, `WHERE s.access_token = $1`, token)
}

// SlipsForPeriod lists the slips of a period in matricule order.
func (r *Repository) SlipsForPeriod(ctx context.Context, periodID int64) ([]Slip, error) {
	return SlipsFor(r.pool).SlipsForPeriod(ctx, periodID)
}

type slipStore struct {
	q db.Querier
}

func (s *slipStore) DeleteForPeriod(ctx context.Context, periodID int64) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM slips WHERE period_id = $1`, periodID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *slipStore) DeleteSlip(ctx context.Context, employeeID, periodID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM slips WHERE employee_id = $1 AND period_id = $2`, employeeID, periodID)
	return err
}

func (s *slipStore) InsertSlip(ctx context.Context, slip *Slip) error {
	warnings := make([]string, len(slip.Warnings))
	for i, w := range slip.Warnings {
		warnings[i] = string(w)
	}
	err := s.q.QueryRow(ctx, `INSERT INTO slips (employer_id, employee_id, period_id, number, year, month, currency,
gross, social_base, taxable_base, social_employee, social_employer, income_tax, other_deductions,
back_pay, overpayment_withheld, deduction_carried_in, deduction_deferred, employer_forfait, employer_training,
employer_training_code, net, status, warnings, access_token, rules_revision, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7,
$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric,
$15::numeric, $16::numeric, $17::numeric, $18::numeric, $19::numeric, $20::numeric,
$21, $22::numeric, $23, $24, $25, $26, $27)
RETURNING id`,
		slip.EmployerID, slip.EmployeeID, slip.PeriodID, slip.Number, slip.Year, slip.Month, slip.Currency,
		db.Numeric(slip.Gross), db.Numeric(slip.SocialBase), db.Numeric(slip.TaxableBase),
		db.Numeric(slip.SocialEmployee), db.Numeric(slip.SocialEmployer), db.Numeric(slip.IncomeTax),
		db.Numeric(slip.OtherDeductions), db.Numeric(slip.BackPay), db.Numeric(slip.OverpaymentWithheld),
		db.Numeric(slip.DeductionCarriedIn), db.Numeric(slip.DeductionDeferred),
		db.Numeric(slip.EmployerForfait), db.Numeric(slip.EmployerTraining),
		slip.EmployerTrainingCode, db.Numeric(slip.Net), string(slip.Status), warnings,
		slip.AccessToken, int64(slip.RulesRevision), slip.ComputedAt,
	).Scan(&slip.ID)
	if db.IsUniqueViolation(err, slipEmployeePeriodKey) {
		return fmt.Errorf("%w: %s", ErrDuplicateSlip, slip.Number)
	}
	if err != nil {
		return fmt.Errorf("insert slip %s: %w", slip.Number, err)
	}

	batch := &pgx.Batch{}
	for _, l := range slip.Lines {
		batch.Queue(`INSERT INTO slip_lines (slip_id, element_id, rubric_code, label, kind, base, rate, quantity,
amount, line_order, displayed, comment)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12)`,
			slip.ID, l.ElementID, l.RubricCode, l.Label, string(l.Kind),
			db.NullNumeric(l.Base), db.NullNumeric(l.Rate), db.NullNumeric(l.Quantity),
			db.Numeric(l.Amount), l.Order, l.Displayed, l.Comment)
	}
	if batch.Len() == 0 {
		return nil
	}
	return sendBatch(ctx, s.q, batch)
}

func sendBatch(ctx context.Context, q db.Querier, batch *pgx.Batch) error {
	sender, ok := q.(interface {
		SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		for _, item := range batch.QueuedQueries {
			if _, err := q.Exec(ctx, item.SQL, item.Arguments...); err != nil {
				return err
			}
		}
		return nil
	}
	results := sender.SendBatch(ctx, batch)
	for range batch.QueuedQueries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert slip line: %w", err)
		}
	}
	return results.Close()
}

func (s *slipStore) SlipsForPeriod(ctx context.Context, periodID int64) ([]Slip, error) {
	rows, err := s.q.Query(ctx, `SELECT `+slipColumns+` FROM slips s
WHERE s.period_id = $1 ORDER BY s.number, s.id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Slip
	for rows.Next() {
		slip, err := scanSlip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slip)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range out {
		if out[i].Lines, err = slipLines(ctx, s.q, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *slipStore) SetStatusForPeriod(ctx context.Context, periodID int64, status SlipStatus) error {
	_, err := s.q.Exec(ctx, `UPDATE slips SET status = $2 WHERE period_id = $1`, periodID, string(status))
	return err
}

const slipColumns = `s.id, s.employer_id, s.employee_id, s.period_id, s.number, s.year, s.month, s.currency,
(SELECT e.matricule FROM employees e WHERE e.id = s.employee_id),
(SELECT e.full_name FROM employees e WHERE e.id = s.employee_id),
s.gross::text, s.social_base::text, s.taxable_base::text, s.social_employee::text, s.social_employer::text,
s.income_tax::text, s.other_deductions::text, s.back_pay::text, s.overpayment_withheld::text,
s.deduction_carried_in::text, s.deduction_deferred::text, s.employer_forfait::text, s.employer_training::text,
s.employer_training_code, s.net::text, s.status, s.warnings, s.access_token, s.rules_revision, s.computed_at`

func loadSlip(ctx context.Context, q db.Querier, where string, args ...any) (Slip, error) {
	slip, err := scanSlip(q.QueryRow(ctx, `SELECT `+slipColumns+` FROM slips s `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Slip{}, ErrSlipNotFound
	}
	if err != nil {
		return Slip{}, err
	}
	if slip.Lines, err = slipLines(ctx, q, slip.ID); err != nil {
		return Slip{}, err
	}
	return slip, nil
}

func scanSlip(row pgx.Row) (Slip, error) {
	var (
		s        Slip
		amounts  [14]string
		status   string
		warnings []string
		revision int64
	)
	if err := row.Scan(&s.ID, &s.EmployerID, &s.EmployeeID, &s.PeriodID, &s.Number, &s.Year, &s.Month, &s.Currency,
		&s.Matricule, &s.EmployeeName,
		&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &amounts[5], &amounts[6], &amounts[7],
		&amounts[8], &amounts[9], &amounts[10], &amounts[11], &amounts[12], &s.EmployerTrainingCode, &amounts[13],
		&status, &warnings, &s.AccessToken, &revision, &s.ComputedAt); err != nil {
		return Slip{}, err
	}
	targets := []*decimal.Decimal{
		&s.Gross, &s.SocialBase, &s.TaxableBase, &s.SocialEmployee, &s.SocialEmployer, &s.IncomeTax,
		&s.OtherDeductions, &s.BackPay, &s.OverpaymentWithheld, &s.DeductionCarriedIn, &s.DeductionDeferred,
		&s.EmployerForfait, &s.EmployerTraining, &s.Net,
	}
	for i, dst := range targets {
		v, err := db.ParseNumeric(amounts[i])
		if err != nil {
			return Slip{}, err
		}
		*dst = v
	}
	s.Status = SlipStatus(status)
	s.RulesRevision = uint64(revision)
	for _, w := range warnings {
		s.Warnings = append(s.Warnings, Warning(w))
	}
	return s, nil
}

func slipLines(ctx context.Context, q db.Querier, slipID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT element_id, rubric_code, label, kind, base::text, rate::text, quantity::text,
amount::text, line_order, displayed, comment
FROM slip_lines WHERE slip_id = $1 ORDER BY line_order, id`, slipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var (
			l                    Line
			kind, amount         string
			base, rate, quantity *string
		)
		if err := rows.Scan(&l.ElementID, &l.RubricCode, &l.Label, &kind, &base, &rate, &quantity,
			&amount, &l.Order, &l.Displayed, &l.Comment); err != nil {
			return nil, err
		}
		l.Kind = rules.RubricKind(kind)
		if l.Base, err = db.ParseNullNumeric(base); err != nil {
			return nil, err
		}
		if l.Rate, err = db.ParseNullNumeric(rate); err != nil {
			return nil, err
		}
		if l.Quantity, err = db.ParseNullNumeric(quantity); err != nil {
			return nil, err
		}
		if l.Amount, err = db.ParseNumeric(amount); err != nil {
			return nil, err
		}
		l.System = IsSystemCode(l.RubricCode)
		out = append(out, l)
	}
	return out, rows.Err()
}
