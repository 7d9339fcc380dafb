package periods

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gn-erp/paie/internal/history"
	"github.com/gn-erp/paie/internal/platform/db"
)

// Repository persists pay periods.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("periods: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, TxStoreFor(tx))
	})
}

// TxStoreFor exposes period writes on an existing transaction.
func TxStoreFor(tx pgx.Tx) TxStore {
	return &txStore{tx: tx, history: history.NewRecorder(tx)}
}

const periodColumns = `id, employer_id, year, month, start_date, end_date, working_days, status,
    computed_at, validated_at, closed_at, closed_by, paid_at, created_at, updated_at`

// Insert creates a new OPEN period.
func (r *Repository) Insert(ctx context.Context, p Period) (Period, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO periods (employer_id, year, month, start_date, end_date, working_days, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+periodColumns, p.EmployerID, p.Year, p.Month, p.StartDate, p.EndDate, p.WorkingDays, string(p.Status))
	out, err := scanPeriod(row)
	if err != nil {
		if db.IsUniqueViolation(err, "periods_employer_year_month_key") {
			return Period{}, fmt.Errorf("%w: %04d-%02d", ErrPeriodExists, p.Year, p.Month)
		}
		return Period{}, err
	}
	return out, nil
}

// Load fetches a period by id.
func (r *Repository) Load(ctx context.Context, id int64) (Period, error) {
	return loadPeriod(ctx, r.pool, `SELECT `+periodColumns+` FROM periods WHERE id = $1`, id)
}

// FindByMonth fetches the period of (employer, year, month).
func (r *Repository) FindByMonth(ctx context.Context, employerID int64, year, month int) (Period, error) {
	return loadPeriod(ctx, r.pool, `SELECT `+periodColumns+` FROM periods WHERE employer_id = $1 AND year = $2 AND month = $3`, employerID, year, month)
}

// List returns periods of an employer, most recent first.
func (r *Repository) List(ctx context.Context, employerID int64, limit, offset int) ([]Period, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+`
FROM periods WHERE employer_id = $1
ORDER BY year DESC, month DESC
LIMIT $2 OFFSET $3`, employerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type txStore struct {
	tx      pgx.Tx
	history *history.Recorder
}

func (t *txStore) LoadForUpdate(ctx context.Context, id int64) (Period, error) {
	return loadPeriod(ctx, t.tx, `SELECT `+periodColumns+` FROM periods WHERE id = $1 FOR UPDATE`, id)
}

func (t *txStore) UpdateStatus(ctx context.Context, p Period, to Status, actorID int64, at time.Time) error {
	var column string
	switch to {
	case StatusComputed:
		column = "computed_at"
	case StatusValidated:
		column = "validated_at"
	case StatusClosed:
		column = "closed_at"
	case StatusPaid:
		column = "paid_at"
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, to)
	}
	sql := `UPDATE periods SET status = $2, ` + column + ` = $3, updated_at = $3`
	args := []any{p.ID, string(to), at}
	if to == StatusClosed {
		sql += `, closed_by = NULLIF($4::bigint, 0)`
		args = append(args, actorID)
	}
	if _, err := t.tx.Exec(ctx, sql+` WHERE id = $1`, args...); err != nil {
		return fmt.Errorf("periods: update status: %w", err)
	}
	return t.history.Record(ctx, history.Entry{
		EmployerID: p.EmployerID,
		ActorID:    actorID,
		Entity:     "period",
		EntityID:   strconv.FormatInt(p.ID, 10),
		Field:      "status",
		Before:     string(p.Status),
		After:      string(to),
		At:         at,
	})
}

func loadPeriod(ctx context.Context, q db.Querier, sql string, args ...any) (Period, error) {
	p, err := scanPeriod(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNotFound
	}
	return p, err
}

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p      Period
		status string
	)
	if err := row.Scan(&p.ID, &p.EmployerID, &p.Year, &p.Month, &p.StartDate, &p.EndDate, &p.WorkingDays, &status,
		&p.ComputedAt, &p.ValidatedAt, &p.ClosedAt, &p.ClosedBy, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Period{}, err
	}
	p.Status = Status(status)
	return p, nil
}
