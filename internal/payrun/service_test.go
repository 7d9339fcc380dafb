package payrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/integration"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/platform/cache"
	"github.com/gn-erp/paie/internal/rules"
	"github.com/gn-erp/paie/internal/shared"
	"github.com/gn-erp/paie/internal/view"
)

const testEmployer int64 = 1

var testNow = time.Date(2025, 6, 28, 9, 0, 0, 0, time.UTC)

type stubEmployees struct {
	list []payroll.Employee
}

func (s *stubEmployees) ActiveEmployees(_ context.Context, _ int64, _ time.Time) ([]payroll.Employee, error) {
	return append([]payroll.Employee(nil), s.list...), nil
}

func (s *stubEmployees) Employee(_ context.Context, _ int64, id int64) (payroll.Employee, error) {
	for _, e := range s.list {
		if e.ID == id {
			return e, nil
		}
	}
	return payroll.Employee{}, payroll.ErrEmployeeNotFound
}

type stubJournal struct {
	events []integration.PayrollValidatedEvent
	err    error
}

func (s *stubJournal) HandlePayrollValidated(_ context.Context, evt integration.PayrollValidatedEvent) error {
	s.events = append(s.events, evt)
	return s.err
}

type stubMetrics struct {
	created, failed int
}

func (s *stubMetrics) ObservePeriod(_ int64, created, failed int, _ time.Duration) {
	s.created += created
	s.failed += failed
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingBlobs) Get(context.Context, string) ([]byte, error) {
	return nil, archive.ErrBlobNotFound
}

type fixture struct {
	db          *memDB
	redis       *miniredis.Miniredis
	client      *redis.Client
	rules       *rules.Service
	employees   *stubEmployees
	corrections *corrections.Service
	journal     *stubJournal
	metrics     *stubMetrics
	periods     *periods.Service
	svc         *Service
	period      periods.Period
}

func employee(id int64, matricule string) payroll.Employee {
	return payroll.Employee{
		ID:         id,
		EmployerID: testEmployer,
		Matricule:  matricule,
		FullName:   "Agent " + matricule,
		HireDate:   time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
		Contract:   payroll.ContractCDI,
		Category:   hr.CategoryEmployee,
		Active:     true,
	}
}

func withBlobs(blobs archive.BlobStore, db *memDB, engine *view.Engine) func(*Config) {
	return func(c *Config) {
		c.Archive = archive.NewService(db.arch, blobs, archive.NewHTMLRenderer(engine), nil)
	}
}

func newFixture(t *testing.T, seed bool, opts ...func(*fixture, *Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return testNow }

	store := rules.NewMemoryStore("GNF")
	ruleCache := rules.NewCache(store, store, nil, rules.TTLs{}, nil)
	ruleCache.WithNow(now)
	rulesSvc := rules.NewService(store, ruleCache, nil)
	rulesSvc.WithNow(now)
	if seed {
		set, err := rules.DefaultSeed()
		require.NoError(t, err)
		require.NoError(t, set.Apply(ctx, rulesSvc, testEmployer, 0, true))
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db := newMemDB()
	periodSvc := periods.NewService(db.periods, nil)
	periodSvc.WithNow(now)
	payrollSvc := payroll.NewService(ruleCache, nil, nil)
	payrollSvc.WithNow(now)
	corrSvc := corrections.NewService(db.corr, nil)
	corrSvc.WithNow(now)
	engine, err := view.NewEngine()
	require.NoError(t, err)

	f := &fixture{
		db:          db,
		redis:       mr,
		client:      client,
		rules:       rulesSvc,
		employees:   &stubEmployees{},
		corrections: corrSvc,
		journal:     &stubJournal{},
		metrics:     &stubMetrics{},
		periods:     periodSvc,
	}
	cfg := Config{
		DB:          db,
		Periods:     periodSvc,
		Payroll:     payrollSvc,
		Employees:   f.employees,
		Corrections: corrSvc,
		Archive:     archive.NewService(db.arch, archive.NewFileBlobStore(t.TempDir()), archive.NewHTMLRenderer(engine), nil),
		Snapshots:   ruleCache,
		Journal:     f.journal,
		Locker:      NewRedisLocker(client, time.Minute),
		Metrics:     f.metrics,
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}
	f.svc = NewService(cfg)
	f.svc.WithNow(now)

	f.period, err = f.svc.Create(ctx, periods.CreateInput{EmployerID: testEmployer, Year: 2025, Month: 6})
	require.NoError(t, err)
	return f
}

func (f *fixture) hire(t *testing.T, id int64, matricule string, base int64) {
	t.Helper()
	f.employees.list = append(f.employees.list, employee(id, matricule))
	f.element(t, id, rules.RubricBaseSalaryCode, base)
}

func (f *fixture) element(t *testing.T, employeeID int64, code string, amount int64) {
	t.Helper()
	v := decimal.NewFromInt(amount)
	_, err := f.rules.AddElement(context.Background(), rules.ElementInput{
		EmployerID: testEmployer,
		EmployeeID: employeeID,
		RubricCode: code,
		Amount:     &v,
		ValidFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Recurrent:  true,
	})
	require.NoError(t, err)
}

// brokenElement references a base nothing can resolve.
func (f *fixture) brokenElement(t *testing.T, employeeID int64) {
	t.Helper()
	rate := decimal.NewFromInt(10)
	_, err := f.rules.AddElement(context.Background(), rules.ElementInput{
		EmployerID: testEmployer,
		EmployeeID: employeeID,
		RubricCode: "IND_TRANSPORT",
		Rate:       &rate,
		BaseRef:    "INCONNU",
		ValidFrom:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func (f *fixture) slips(t *testing.T) []payroll.Slip {
	t.Helper()
	out, err := f.db.slips.SlipsForPeriod(context.Background(), f.period.ID)
	require.NoError(t, err)
	return out
}

func (f *fixture) status(t *testing.T) periods.Status {
	t.Helper()
	p, err := f.periods.Get(context.Background(), f.period.ID)
	require.NoError(t, err)
	return p.Status
}

func requireAmount(t *testing.T, want int64, got decimal.Decimal, field string) {
	t.Helper()
	require.Truef(t, got.Equal(decimal.NewFromInt(want)), "%s = %s, want %d", field, got, want)
}

func TestComputePeriodCreatesSlipsInMatriculeOrder(t *testing.T) {
	f := newFixture(t, true)
	f.hire(t, 3, "M003", 400000)
	f.hire(t, 1, "M001", 1000000)
	f.hire(t, 2, "M002", 3000000)

	res, err := f.svc.ComputePeriod(context.Background(), f.period.ID, 9)
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)
	require.Empty(t, res.Errors)
	require.Equal(t, periods.StatusComputed, f.status(t))
	require.Equal(t, 3, f.metrics.created)

	slips := f.slips(t)
	require.Len(t, slips, 3)
	require.Equal(t, []string{"BP-202506-M001", "BP-202506-M002", "BP-202506-M003"},
		[]string{slips[0].Number, slips[1].Number, slips[2].Number})
	require.Less(t, slips[0].ID, slips[1].ID)
	require.Less(t, slips[1].ID, slips[2].ID)
	requireAmount(t, 372500, slips[2].Net, "net M003")
	require.Equal(t, f.period.ID, slips[2].PeriodID)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.hire(t, 1, "M001", 1000000)
	_, err := f.corrections.RegisterTropPercu(ctx, corrections.RegisterInput{
		EmployerID: testEmployer, EmployeeID: 1, Amount: decimal.NewFromInt(100000),
		Reason: "avance non régularisée", TargetYear: 2025, TargetMonth: 6,
	})
	require.NoError(t, err)

	first, err := f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	before := f.slips(t)
	require.Len(t, before, 1)
	requireAmount(t, 100000, before[0].OverpaymentWithheld, "withheld")
	requireAmount(t, 850000, before[0].Net, "net")

	second, err := f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	require.Equal(t, first.Created, second.Created)
	require.EqualValues(t, 1, second.Deleted)
	after := f.slips(t)
	require.Len(t, after, 1)
	require.True(t, before[0].Net.Equal(after[0].Net))
	requireAmount(t, 100000, after[0].OverpaymentWithheld, "withheld after recompute")

	pending, err := f.corrections.Pending(ctx, 1, 2025, 7)
	require.NoError(t, err)
	require.True(t, pending.Overpayment.IsZero())
}

func TestComputePeriodCollectsEmployeeErrors(t *testing.T) {
	f := newFixture(t, true)
	f.hire(t, 1, "M001", 1000000)
	f.hire(t, 2, "M002", 1000000)
	f.brokenElement(t, 2)

	res, err := f.svc.ComputePeriod(context.Background(), f.period.ID, 9)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "M002", res.Errors[0].Matricule)
	require.Contains(t, res.Errors[0].Message, "INCONNU")
	require.Len(t, f.slips(t), 1)
	require.Equal(t, periods.StatusComputed, f.status(t))
	require.Equal(t, 1, f.metrics.failed)
}

func TestComputePeriodAbortsOnSlipErrorWhenConfigured(t *testing.T) {
	f := newFixture(t, true, func(_ *fixture, c *Config) { c.AbortOnSlipError = true })
	f.hire(t, 1, "M001", 1000000)
	f.hire(t, 2, "M002", 1000000)
	f.brokenElement(t, 2)

	_, err := f.svc.ComputePeriod(context.Background(), f.period.ID, 9)
	require.ErrorIs(t, err, payroll.ErrUnknownBaseReference)
	require.Empty(t, f.slips(t))
	require.Equal(t, periods.StatusOpen, f.status(t))
}

func TestComputePeriodWithoutConfiguration(t *testing.T) {
	f := newFixture(t, false)
	f.employees.list = append(f.employees.list, employee(1, "M001"))

	_, err := f.svc.ComputePeriod(context.Background(), f.period.ID, 9)
	require.ErrorIs(t, err, rules.ErrConfigurationMissing)
	require.Equal(t, periods.StatusOpen, f.status(t))
}

func TestComputePeriodRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, true)
	f.hire(t, 1, "M001", 1000000)
	ctx := context.Background()

	held, err := cache.Acquire(ctx, f.client, shared.PeriodLockKey(f.period.ID), time.Minute)
	require.NoError(t, err)
	_, err = f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.ErrorIs(t, err, ErrPeriodBusy)

	require.NoError(t, held.Release(ctx))
	_, err = f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	require.False(t, f.redis.Exists(shared.PeriodLockKey(f.period.ID)))
}

func TestValidatePeriodArchivesAndPosts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.hire(t, 2, "M002", 3000000)
	f.hire(t, 1, "M001", 1000000)
	_, err := f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)

	res, err := f.svc.ValidatePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	require.Equal(t, 2, res.Archived)
	require.True(t, res.Posted)
	require.Equal(t, periods.StatusValidated, res.Period.Status)

	for _, s := range f.slips(t) {
		require.Equal(t, payroll.SlipValidated, s.Status)
	}
	entries, err := f.db.arch.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "M001", entries[0].Matricule)
	require.Equal(t, "M002", entries[1].Matricule)

	require.Len(t, f.journal.events, 1)
	require.Len(t, f.journal.events[0].Slips, 2)
	require.Equal(t, f.period.EndDate, f.journal.events[0].PeriodEnd)

	_, err = f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.ErrorIs(t, err, periods.ErrPeriodAlreadyValidated)
	_, err = f.svc.ComputeSlip(ctx, f.period.ID, 1)
	require.ErrorIs(t, err, periods.ErrPeriodAlreadyValidated)
}

func TestValidatePeriodKeepsComputedWhenArchiveFails(t *testing.T) {
	f := newFixture(t, true, func(f *fixture, c *Config) {
		engine, err := view.NewEngine()
		require.NoError(t, err)
		withBlobs(failingBlobs{}, f.db, engine)(c)
	})
	ctx := context.Background()
	f.hire(t, 1, "M001", 1000000)
	_, err := f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)

	_, err = f.svc.ValidatePeriod(ctx, f.period.ID, 9)
	require.Error(t, err)
	require.Equal(t, periods.StatusComputed, f.status(t))
	require.Equal(t, payroll.SlipComputed, f.slips(t)[0].Status)
	require.Empty(t, f.journal.events)
}

func TestValidateSurvivesJournalFailure(t *testing.T) {
	f := newFixture(t, true)
	f.journal.err = integration.ErrMappingMissing
	ctx := context.Background()
	f.hire(t, 1, "M001", 1000000)
	_, err := f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)

	res, err := f.svc.ValidatePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	require.False(t, res.Posted)
	require.Equal(t, periods.StatusValidated, f.status(t))
}

func TestCloseAndMarkPaid(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.hire(t, 1, "M001", 1000000)

	_, err := f.svc.ClosePeriod(ctx, f.period.ID, 9)
	require.ErrorIs(t, err, periods.ErrInvalidTransition)

	_, err = f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	_, err = f.svc.ValidatePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, f.period.ID, 9)
	require.ErrorIs(t, err, periods.ErrInvalidTransition)

	closed, err := f.svc.ClosePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	require.Equal(t, periods.StatusClosed, closed.Status)

	paid, err := f.svc.MarkPaid(ctx, f.period.ID, 9)
	require.NoError(t, err)
	require.Equal(t, periods.StatusPaid, paid.Status)
	require.Equal(t, payroll.SlipPaid, f.slips(t)[0].Status)
}

func TestComputeSlipReplacesOneSlip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.hire(t, 1, "M001", 1000000)
	f.hire(t, 2, "M002", 400000)
	_, err := f.svc.ComputePeriod(ctx, f.period.ID, 9)
	require.NoError(t, err)
	before := f.slips(t)

	f.element(t, 2, "IND_TRANSPORT", 50000)
	slip, err := f.svc.ComputeSlip(ctx, f.period.ID, 2)
	require.NoError(t, err)
	requireAmount(t, 450000, slip.Gross, "gross")

	after := f.slips(t)
	require.Len(t, after, 2)
	require.Equal(t, before[0].ID, after[0].ID)
	require.NotEqual(t, before[1].ID, after[1].ID)
	requireAmount(t, 450000, after[1].Gross, "stored gross")

	_, err = f.svc.ComputeSlip(ctx, f.period.ID, 99)
	require.ErrorIs(t, err, payroll.ErrEmployeeNotFound)
}
