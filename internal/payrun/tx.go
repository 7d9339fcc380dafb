package payrun

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/platform/db"
)

// PgDatabase runs payrun transactions on PostgreSQL.
type PgDatabase struct {
	pool *pgxpool.Pool
}

// NewPgDatabase constructs a PgDatabase.
func NewPgDatabase(pool *pgxpool.Pool) *PgDatabase {
	return &PgDatabase{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (d *PgDatabase) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("payrun: database not initialised")
	}
	return db.WithTx(ctx, d.pool, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Periods() periods.TxStore { return periods.TxStoreFor(t.tx) }
func (t pgTx) Slips() payroll.SlipStore { return payroll.SlipsFor(t.tx) }
func (t pgTx) Corrections() corrections.Store { return corrections.StoreFor(t.tx) }
func (t pgTx) Archive() archive.Store { return archive.StoreFor(t.tx) }

func (t pgTx) Savepoint(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithSavepoint(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(ctx, pgTx{tx: sp})
	})
}
