package corrections

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/payroll"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) })
	return svc, store
}

func gnf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func register(t *testing.T, svc *Service, kind Kind, employeeID int64, value int64, year, month int) Adjustment {
	t.Helper()
	in := RegisterInput{EmployerID: 1, EmployeeID: employeeID, Amount: gnf(value), Reason: "régularisation", TargetYear: year, TargetMonth: month}
	var (
		a   Adjustment
		err error
	)
	if kind == KindBackPay {
		a, err = svc.RegisterRappel(context.Background(), in)
	} else {
		a, err = svc.RegisterTropPercu(context.Background(), in)
	}
	require.NoError(t, err)
	return a
}

func TestPendingCollectsDueEntries(t *testing.T) {
	svc, _ := newTestService()
	register(t, svc, KindBackPay, 7, 50000, 2025, 5)
	register(t, svc, KindOverpayment, 7, 20000, 2025, 6)
	register(t, svc, KindBackPay, 7, 99000, 2025, 7)
	register(t, svc, KindBackPay, 8, 10000, 2025, 6)

	p, err := svc.Pending(context.Background(), 7, 2025, 6)
	require.NoError(t, err)
	require.True(t, p.BackPay.Equal(gnf(50000)))
	require.True(t, p.Overpayment.Equal(gnf(20000)))
	require.True(t, p.Carried.IsZero())
	require.Len(t, p.Items, 2)

	adj := p.Adjustments()
	require.True(t, adj.BackPay.Equal(gnf(50000)))
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.RegisterRappel(context.Background(), RegisterInput{EmployerID: 1, EmployeeID: 1, Amount: gnf(0), Reason: "x", TargetYear: 2025, TargetMonth: 6})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.RegisterTropPercu(context.Background(), RegisterInput{EmployerID: 1, EmployeeID: 1, Amount: gnf(10), TargetYear: 2025, TargetMonth: 6})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSettleConsumesOldestFirstAndCarriesForward(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	first := register(t, svc, KindOverpayment, 7, 30000, 2025, 4)
	second := register(t, svc, KindOverpayment, 7, 50000, 2025, 5)

	pending, err := svc.Pending(ctx, 7, 2025, 6)
	require.NoError(t, err)
	slip := payroll.Slip{
		ID: 41, EmployerID: 1, EmployeeID: 7, Number: "BP-202506-M007", Year: 2025, Month: 6,
		OverpaymentWithheld: gnf(60000),
		DeductionDeferred:   gnf(12000),
	}
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, st Store) error {
		return svc.Settle(ctx, st, slip, pending)
	}))

	a, err := store.Load(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, a.Remaining().IsZero())
	b, err := store.Load(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, b.Remaining().Equal(gnf(20000)))

	next, err := svc.Pending(ctx, 7, 2025, 7)
	require.NoError(t, err)
	require.True(t, next.Carried.Equal(gnf(12000)))
	require.True(t, next.Overpayment.Equal(gnf(20000)))

	// december rolls over to january
	deferred := payroll.Slip{ID: 42, EmployerID: 1, EmployeeID: 9, Number: "BP-202512-M009", Year: 2025, Month: 12, DeductionDeferred: gnf(5)}
	carried, err := svc.CarryForward(ctx, store, deferred)
	require.NoError(t, err)
	require.Equal(t, 2026, carried.TargetYear)
	require.Equal(t, 1, carried.TargetMonth)
}

func TestPartlyWithheldCarryStaysPending(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	may := payroll.Slip{ID: 50, EmployerID: 1, EmployeeID: 8, Number: "BP-202505-M008", Year: 2025, Month: 5, DeductionDeferred: gnf(700000)}
	_, err := svc.CarryForward(ctx, store, may)
	require.NoError(t, err)

	pending, err := svc.Pending(ctx, 8, 2025, 6)
	require.NoError(t, err)
	require.True(t, pending.Carried.Equal(gnf(700000)))

	june := payroll.Slip{ID: 51, EmployerID: 1, EmployeeID: 8, Number: "BP-202506-M008", Year: 2025, Month: 6, DeductionCarriedIn: gnf(570000)}
	require.NoError(t, svc.Settle(ctx, store, june, pending))

	next, err := svc.Pending(ctx, 8, 2025, 7)
	require.NoError(t, err)
	require.True(t, next.Carried.Equal(gnf(130000)))

	bal, err := svc.Balance(ctx, 8)
	require.NoError(t, err)
	require.True(t, bal.DeferredRegistered.Equal(gnf(700000)))
	require.True(t, bal.DeferredRecovered.Equal(gnf(570000)))
	require.True(t, bal.Outstanding.Equal(gnf(130000)))
}

func TestDroppingSlipRestoresPending(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	register(t, svc, KindBackPay, 7, 40000, 2025, 6)
	pending, err := svc.Pending(ctx, 7, 2025, 6)
	require.NoError(t, err)

	slip := payroll.Slip{ID: 5, EmployerID: 1, EmployeeID: 7, Year: 2025, Month: 6, BackPay: gnf(40000), DeductionDeferred: gnf(1000)}
	require.NoError(t, svc.Settle(ctx, store, slip, pending))
	after, err := svc.Pending(ctx, 7, 2025, 6)
	require.NoError(t, err)
	require.True(t, after.BackPay.IsZero())

	store.DropSlip(5)
	again, err := svc.Pending(ctx, 7, 2025, 6)
	require.NoError(t, err)
	require.True(t, again.BackPay.Equal(gnf(40000)))
	next, err := svc.Pending(ctx, 7, 2025, 7)
	require.NoError(t, err)
	require.True(t, next.Carried.IsZero())
}

func TestWriteOffClosesEntryAndBalanceHolds(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	over := register(t, svc, KindOverpayment, 7, 80000, 2025, 6)
	register(t, svc, KindBackPay, 7, 15000, 2025, 6)

	pending, err := svc.Pending(ctx, 7, 2025, 6)
	require.NoError(t, err)
	slip := payroll.Slip{ID: 3, EmployerID: 1, EmployeeID: 7, Year: 2025, Month: 6, BackPay: gnf(15000), OverpaymentWithheld: gnf(30000)}
	require.NoError(t, svc.Settle(ctx, store, slip, pending))

	w, err := svc.WriteOff(ctx, WriteOffInput{EmployerID: 1, AdjustmentID: over.ID, Reason: "départ de l'agent"})
	require.NoError(t, err)
	require.Equal(t, KindWriteOff, w.Kind)
	require.True(t, w.Amount.Equal(gnf(50000)))

	_, err = svc.WriteOff(ctx, WriteOffInput{EmployerID: 1, AdjustmentID: over.ID, Reason: "encore"})
	require.ErrorIs(t, err, ErrNothingOutstanding)
	_, err = svc.WriteOff(ctx, WriteOffInput{EmployerID: 2, AdjustmentID: over.ID, Reason: "autre employeur"})
	require.ErrorIs(t, err, ErrNotFound)

	bal, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.True(t, bal.OverpaymentRegistered.Equal(gnf(80000)))
	require.True(t, bal.OverpaymentRecovered.Equal(gnf(30000)))
	require.True(t, bal.WrittenOff.Equal(gnf(50000)))
	require.True(t, bal.BackPayPaid.Equal(gnf(15000)))
	require.True(t, bal.Outstanding.IsZero())
}

func TestBalanceDetectsOverApplication(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	a := register(t, svc, KindBackPay, 7, 1000, 2025, 6)
	require.NoError(t, store.Apply(ctx, Application{AdjustmentID: a.ID, SlipID: 1, Amount: gnf(1500)}))

	_, err := svc.Balance(ctx, 7)
	require.ErrorIs(t, err, ErrImbalance)
}
