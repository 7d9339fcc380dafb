package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gn-erp/paie/internal/history"
	"github.com/gn-erp/paie/internal/platform/db"
)

// Repository implements Store, CurrencySource and RepositoryPort over PostgreSQL.
type Repository struct {
	pool            *pgxpool.Pool
	defaultCurrency string
}

// NewRepository constructs the pgx-backed rule store.
func NewRepository(pool *pgxpool.Pool, defaultCurrency string) *Repository {
	return &Repository{pool: pool, defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency))}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("rules: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, history: history.NewRecorder(tx)})
	})
}

const constantColumns = `id, employer_id, code, label, value::text, kind, category, valid_from, valid_to, active`

// Constants returns constant rows whose validity window contains day.
func (r *Repository) Constants(ctx context.Context, employerID int64, day time.Time) ([]Constant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+constantColumns+`
FROM constants
WHERE employer_id = $1 AND active AND valid_from <= $2 AND (valid_to IS NULL OR valid_to >= $2)
ORDER BY code, valid_from, id`, employerID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Constant
	for rows.Next() {
		c, err := scanConstant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BracketYears lists the years with a bracket table visible to the employer.
func (r *Repository) BracketYears(ctx context.Context, employerID int64) ([]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT year FROM brackets
WHERE employer_id = $1 OR employer_id IS NULL
ORDER BY year`, employerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, err
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

// BracketsForYear returns the employer table for year, or the shared one when
// the employer has none.
func (r *Repository) BracketsForYear(ctx context.Context, employerID int64, year int) ([]Bracket, error) {
	return bracketsForYear(ctx, r.pool, employerID, year)
}

// Rubrics returns the active rubric catalog.
func (r *Repository) Rubrics(ctx context.Context, employerID int64) ([]Rubric, error) {
	return listRubrics(ctx, r.pool, employerID, true)
}

// Elements returns active salary elements valid on day.
func (r *Repository) Elements(ctx context.Context, employerID, employeeID int64, day time.Time) ([]SalaryElement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+elementColumns+`
FROM salary_elements
WHERE employer_id = $1 AND employee_id = $2 AND active
  AND valid_from <= $3 AND (valid_to IS NULL OR valid_to >= $3)
ORDER BY rubric_code, id`, employerID, employeeID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SalaryElement
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmployerElements lists the elements of all employees of the employer active
// on day, ordered like Elements within each employee.
func (r *Repository) EmployerElements(ctx context.Context, employerID int64, day time.Time) ([]SalaryElement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+elementColumns+`
FROM salary_elements
WHERE employer_id = $1 AND active
  AND valid_from <= $2 AND (valid_to IS NULL OR valid_to >= $2)
ORDER BY employee_id, rubric_code, id`, employerID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SalaryElement
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmployerIDs lists every employer, in id order.
func (r *Repository) EmployerIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM employers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BaseCurrency reads employers.base_currency, defaulting to the configured currency.
func (r *Repository) BaseCurrency(ctx context.Context, employerID int64) (string, error) {
	var code string
	err := r.pool.QueryRow(ctx, `SELECT base_currency FROM employers WHERE id = $1`, employerID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && strings.TrimSpace(code) == "") {
		if r.defaultCurrency == "" {
			return "", fmt.Errorf("%w: base currency for employer %d", ErrConfigurationMissing, employerID)
		}
		return r.defaultCurrency, nil
	}
	if err != nil {
		return "", err
	}
	return strings.ToUpper(strings.TrimSpace(code)), nil
}

type txRepo struct {
	tx      pgx.Tx
	history *history.Recorder
}

func (t *txRepo) ActiveConstant(ctx context.Context, employerID int64, code string, day time.Time) (Constant, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+constantColumns+`
FROM constants
WHERE employer_id = $1 AND code = $2 AND active AND valid_from <= $3 AND (valid_to IS NULL OR valid_to >= $3)
ORDER BY valid_from DESC, id DESC
LIMIT 1
FOR UPDATE`, employerID, code, day)
	c, err := scanConstant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Constant{}, false, nil
	}
	if err != nil {
		return Constant{}, false, err
	}
	return c, true, nil
}

func (t *txRepo) InsertConstant(ctx context.Context, c Constant) (Constant, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO constants (employer_id, code, label, value, kind, category, valid_from, valid_to, active)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
RETURNING id`, c.EmployerID, c.Code, c.Label, db.Numeric(c.Value), string(c.Kind), c.Category, c.ValidFrom, c.ValidTo, c.Active).Scan(&c.ID)
	if err != nil {
		return Constant{}, fmt.Errorf("rules: insert constant %s: %w", c.Code, err)
	}
	return c, nil
}

func (t *txRepo) ExpireConstant(ctx context.Context, id int64, validTo time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE constants SET valid_to = $2 WHERE id = $1`, id, validTo)
	return err
}

func (t *txRepo) BracketsForYear(ctx context.Context, employerID int64, year int) ([]Bracket, error) {
	return bracketsForYear(ctx, t.tx, employerID, year)
}

func (t *txRepo) ReplaceBrackets(ctx context.Context, employerID int64, year int, brackets []Bracket) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM brackets WHERE year = $2 AND employer_id IS NOT DISTINCT FROM NULLIF($1::bigint, 0)`, employerID, year); err != nil {
		return fmt.Errorf("rules: clear brackets %d: %w", year, err)
	}
	for _, b := range brackets {
		_, err := t.tx.Exec(ctx, `INSERT INTO brackets (employer_id, year, ordinal, lower_bound, upper_bound, rate)
VALUES (NULLIF($1::bigint, 0), $2, $3, $4::numeric, $5::numeric, $6::numeric)`,
			employerID, year, b.Ordinal, db.Numeric(b.Lower), db.NullNumeric(b.Upper), db.Numeric(b.Rate))
		if err != nil {
			return fmt.Errorf("rules: insert bracket %d/%d: %w", year, b.Ordinal, err)
		}
	}
	return nil
}

func (t *txRepo) AllRubrics(ctx context.Context, employerID int64) ([]Rubric, error) {
	return listRubrics(ctx, t.tx, employerID, false)
}

func (t *txRepo) UpsertRubric(ctx context.Context, r Rubric) (Rubric, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO rubrics (employer_id, code, label, kind, subject_to_social, subject_to_tax, forfait_indemnity,
    default_rate, default_amount, default_base_ref, computation_order, display_order, displayed, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $12, $13, $14)
ON CONFLICT (employer_id, code) DO UPDATE SET
    label = EXCLUDED.label,
    kind = EXCLUDED.kind,
    subject_to_social = EXCLUDED.subject_to_social,
    subject_to_tax = EXCLUDED.subject_to_tax,
    forfait_indemnity = EXCLUDED.forfait_indemnity,
    default_rate = EXCLUDED.default_rate,
    default_amount = EXCLUDED.default_amount,
    default_base_ref = EXCLUDED.default_base_ref,
    computation_order = EXCLUDED.computation_order,
    display_order = EXCLUDED.display_order,
    displayed = EXCLUDED.displayed,
    active = EXCLUDED.active
RETURNING id`,
		r.EmployerID, r.Code, r.Label, string(r.Kind), r.SubjectToSocial, r.SubjectToTax, r.ForfaitIndemnity,
		db.NullNumeric(r.DefaultRate), db.NullNumeric(r.DefaultAmount), r.DefaultBaseRef,
		r.ComputationOrder, r.DisplayOrder, r.Displayed, r.Active).Scan(&r.ID)
	if err != nil {
		return Rubric{}, fmt.Errorf("rules: upsert rubric %s: %w", r.Code, err)
	}
	return r, nil
}

func (t *txRepo) EmployeeElements(ctx context.Context, employerID, employeeID int64, rubricCode string) ([]SalaryElement, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+elementColumns+`
FROM salary_elements
WHERE employer_id = $1 AND employee_id = $2 AND rubric_code = $3 AND active
ORDER BY valid_from, id
FOR UPDATE`, employerID, employeeID, rubricCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SalaryElement
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txRepo) InsertElement(ctx context.Context, e SalaryElement) (SalaryElement, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO salary_elements (employer_id, employee_id, rubric_code, amount, rate, base_ref, quantity, valid_from, valid_to, recurrent, active)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7::numeric, $8, $9, $10, $11)
RETURNING id`,
		e.EmployerID, e.EmployeeID, e.RubricCode, db.NullNumeric(e.Amount), db.NullNumeric(e.Rate), e.BaseRef,
		db.NullNumeric(e.Quantity), e.ValidFrom, e.ValidTo, e.Recurrent, e.Active).Scan(&e.ID)
	if err != nil {
		return SalaryElement{}, fmt.Errorf("rules: insert element %s: %w", e.RubricCode, err)
	}
	return e, nil
}

func (t *txRepo) LoadElementForUpdate(ctx context.Context, employerID, elementID int64) (SalaryElement, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+elementColumns+`
FROM salary_elements WHERE employer_id = $1 AND id = $2
FOR UPDATE`, employerID, elementID)
	e, err := scanElement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SalaryElement{}, fmt.Errorf("%w: element %d", ErrNotFound, elementID)
	}
	return e, err
}

func (t *txRepo) UpdateElementEnd(ctx context.Context, elementID int64, validTo time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE salary_elements SET valid_to = $2 WHERE id = $1`, elementID, validTo)
	return err
}

func (t *txRepo) LastValidatedUse(ctx context.Context, elementID int64) (*time.Time, error) {
	var last *time.Time
	err := t.tx.QueryRow(ctx, `SELECT MAX(p.end_date)
FROM slip_lines l
JOIN slips s ON s.id = l.slip_id
JOIN periods p ON p.id = s.period_id
WHERE l.element_id = $1 AND p.status IN ('VALIDATED', 'CLOSED', 'PAID')`, elementID).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (t *txRepo) RecordHistory(ctx context.Context, base history.Entry, changes []history.Change) error {
	return t.history.RecordChanges(ctx, base, changes)
}

func bracketsForYear(ctx context.Context, q db.Querier, employerID int64, year int) ([]Bracket, error) {
	rows, err := q.Query(ctx, `SELECT year, ordinal, lower_bound::text, upper_bound::text, rate::text
FROM brackets
WHERE year = $2
  AND (employer_id = $1
       OR (employer_id IS NULL AND NOT EXISTS (
           SELECT 1 FROM brackets own WHERE own.year = $2 AND own.employer_id = $1)))
ORDER BY ordinal`, employerID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Bracket
	for rows.Next() {
		var (
			b           Bracket
			lower, rate string
			upper       *string
		)
		if err := rows.Scan(&b.Year, &b.Ordinal, &lower, &upper, &rate); err != nil {
			return nil, err
		}
		var perr error
		if b.Lower, perr = db.ParseNumeric(lower); perr != nil {
			return nil, perr
		}
		if b.Upper, perr = db.ParseNullNumeric(upper); perr != nil {
			return nil, perr
		}
		if b.Rate, perr = db.ParseNumeric(rate); perr != nil {
			return nil, perr
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const rubricColumns = `id, employer_id, code, label, kind, subject_to_social, subject_to_tax, forfait_indemnity,
    default_rate::text, default_amount::text, default_base_ref, computation_order, display_order, displayed, active`

func listRubrics(ctx context.Context, q db.Querier, employerID int64, activeOnly bool) ([]Rubric, error) {
	rows, err := q.Query(ctx, `SELECT `+rubricColumns+`
FROM rubrics
WHERE employer_id = $1 AND (active OR NOT $2)
ORDER BY computation_order, code`, employerID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rubric
	for rows.Next() {
		var (
			r            Rubric
			kind         string
			rate, amount *string
		)
		if err := rows.Scan(&r.ID, &r.EmployerID, &r.Code, &r.Label, &kind, &r.SubjectToSocial, &r.SubjectToTax,
			&r.ForfaitIndemnity, &rate, &amount, &r.DefaultBaseRef, &r.ComputationOrder, &r.DisplayOrder,
			&r.Displayed, &r.Active); err != nil {
			return nil, err
		}
		r.Kind = RubricKind(kind)
		var perr error
		if r.DefaultRate, perr = db.ParseNullNumeric(rate); perr != nil {
			return nil, perr
		}
		if r.DefaultAmount, perr = db.ParseNullNumeric(amount); perr != nil {
			return nil, perr
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanConstant(row pgx.Row) (Constant, error) {
	var (
		c     Constant
		value string
		kind  string
	)
	if err := row.Scan(&c.ID, &c.EmployerID, &c.Code, &c.Label, &value, &kind, &c.Category, &c.ValidFrom, &c.ValidTo, &c.Active); err != nil {
		return Constant{}, err
	}
	c.Kind = ConstantKind(kind)
	v, err := db.ParseNumeric(value)
	if err != nil {
		return Constant{}, err
	}
	c.Value = v
	return c, nil
}

const elementColumns = `id, employer_id, employee_id, rubric_code, amount::text, rate::text, base_ref, quantity::text,
    valid_from, valid_to, recurrent, active`

func scanElement(row pgx.Row) (SalaryElement, error) {
	var (
		e                      SalaryElement
		amount, rate, quantity *string
	)
	if err := row.Scan(&e.ID, &e.EmployerID, &e.EmployeeID, &e.RubricCode, &amount, &rate, &e.BaseRef, &quantity,
		&e.ValidFrom, &e.ValidTo, &e.Recurrent, &e.Active); err != nil {
		return SalaryElement{}, err
	}
	var err error
	if e.Amount, err = db.ParseNullNumeric(amount); err != nil {
		return SalaryElement{}, err
	}
	if e.Rate, err = db.ParseNullNumeric(rate); err != nil {
		return SalaryElement{}, err
	}
	if e.Quantity, err = db.ParseNullNumeric(quantity); err != nil {
		return SalaryElement{}, err
	}
	return e, nil
}
