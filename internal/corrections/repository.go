package corrections

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gn-erp/paie/internal/platform/db"
)

// Repository persists the ledger in payroll_adjustments.
type Repository struct {
	pool *pgxpool.Pool
	store
}

// NewRepository constructs the pgx-backed ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, store: store{q: pool}}
}

// WithTx runs fn in a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, StoreFor(tx))
	})
}

// StoreFor binds the ledger to q, usually the transaction computing a period.
func StoreFor(q db.Querier) Store {
	return &store{q: q}
}

type store struct {
	q db.Querier
}

const adjustmentSelect = `SELECT a.id, a.employer_id, a.employee_id, a.kind, a.amount::text, a.reason,
a.target_year, a.target_month, a.origin_slip_id, a.parent_id, COALESCE(a.created_by, 0), a.created_at,
COALESCE((SELECT SUM(x.amount) FROM payroll_adjustment_applications x WHERE x.adjustment_id = a.id), 0)::text,
COALESCE((SELECT SUM(w.amount) FROM payroll_adjustments w WHERE w.parent_id = a.id AND w.kind = 'WRITE_OFF'), 0)::text
FROM payroll_adjustments a`

func (s *store) Insert(ctx context.Context, a Adjustment) (Adjustment, error) {
	var createdBy *int64
	if a.CreatedBy > 0 {
		createdBy = &a.CreatedBy
	}
	err := s.q.QueryRow(ctx, `INSERT INTO payroll_adjustments (employer_id, employee_id, kind, amount, reason,
target_year, target_month, origin_slip_id, parent_id, created_by, created_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`,
		a.EmployerID, a.EmployeeID, string(a.Kind), db.Numeric(a.Amount), a.Reason,
		a.TargetYear, a.TargetMonth, a.OriginSlipID, a.ParentID, createdBy, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return Adjustment{}, fmt.Errorf("insert adjustment: %w", err)
	}
	return a, nil
}

func (s *store) Load(ctx context.Context, id int64) (Adjustment, error) {
	a, err := scanAdjustment(s.q.QueryRow(ctx, adjustmentSelect+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Adjustment{}, ErrNotFound
	}
	return a, err
}

func (s *store) Outstanding(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	items, err := s.list(ctx, adjustmentSelect+`
WHERE a.employee_id = $1 AND a.kind <> 'WRITE_OFF'
ORDER BY a.target_year, a.target_month, a.id`, employeeID)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, a := range items {
		if a.Remaining().IsPositive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *store) ForEmployee(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	return s.list(ctx, adjustmentSelect+`
WHERE a.employee_id = $1
ORDER BY a.target_year, a.target_month, a.id`, employeeID)
}

func (s *store) Apply(ctx context.Context, app Application) error {
	_, err := s.q.Exec(ctx, `INSERT INTO payroll_adjustment_applications (adjustment_id, slip_id, amount)
VALUES ($1, $2, $3::numeric)`, app.AdjustmentID, app.SlipID, db.Numeric(app.Amount))
	return err
}

func (s *store) list(ctx context.Context, sql string, args ...any) ([]Adjustment, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var (
		a                             Adjustment
		kind, amount, applied, waived string
	)
	if err := row.Scan(&a.ID, &a.EmployerID, &a.EmployeeID, &kind, &amount, &a.Reason,
		&a.TargetYear, &a.TargetMonth, &a.OriginSlipID, &a.ParentID, &a.CreatedBy, &a.CreatedAt,
		&applied, &waived); err != nil {
		return Adjustment{}, err
	}
	a.Kind = Kind(kind)
	var err error
	if a.Amount, err = db.ParseNumeric(amount); err != nil {
		return Adjustment{}, err
	}
	if a.Applied, err = db.ParseNumeric(applied); err != nil {
		return Adjustment{}, err
	}
	if a.WrittenOff, err = db.ParseNumeric(waived); err != nil {
		return Adjustment{}, err
	}
	return a, nil
}
