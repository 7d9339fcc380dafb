package payrun

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/periods"
)

type memPeriods struct {
	mu      sync.Mutex
	periods map[int64]periods.Period
	nextID  int64
}

func (m *memPeriods) WithTx(ctx context.Context, fn func(context.Context, periods.TxStore) error) error {
	return fn(ctx, m)
}

func (m *memPeriods) Insert(_ context.Context, p periods.Period) (periods.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.periods {
		if existing.EmployerID == p.EmployerID && existing.Year == p.Year && existing.Month == p.Month {
			return periods.Period{}, periods.ErrPeriodExists
		}
	}
	m.nextID++
	p.ID = m.nextID
	m.periods[p.ID] = p
	return p, nil
}

func (m *memPeriods) Load(_ context.Context, id int64) (periods.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return periods.Period{}, periods.ErrNotFound
	}
	return p, nil
}

func (m *memPeriods) FindByMonth(_ context.Context, employerID int64, year, month int) (periods.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.EmployerID == employerID && p.Year == year && p.Month == month {
			return p, nil
		}
	}
	return periods.Period{}, periods.ErrNotFound
}

func (m *memPeriods) List(_ context.Context, employerID int64, _, _ int) ([]periods.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []periods.Period
	for _, p := range m.periods {
		if p.EmployerID == employerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPeriods) LoadForUpdate(ctx context.Context, id int64) (periods.Period, error) {
	return m.Load(ctx, id)
}

func (m *memPeriods) UpdateStatus(_ context.Context, p periods.Period, to periods.Status, _ int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Status = to
	m.periods[p.ID] = p
	return nil
}

type memSlips struct {
	mu     sync.Mutex
	slips  map[int64]payroll.Slip
	nextID int64
	corr   *corrections.MemoryStore
	arch   *archive.MemoryStore
}

func (m *memSlips) drop(id int64) {
	delete(m.slips, id)
	m.corr.DropSlip(id)
	m.arch.DetachSlip(id)
}

func (m *memSlips) DeleteForPeriod(_ context.Context, periodID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.slips {
		if s.PeriodID == periodID {
			m.drop(id)
			n++
		}
	}
	return n, nil
}

func (m *memSlips) DeleteSlip(_ context.Context, employeeID, periodID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.slips {
		if s.PeriodID == periodID && s.EmployeeID == employeeID {
			m.drop(id)
		}
	}
	return nil
}

func (m *memSlips) InsertSlip(_ context.Context, slip *payroll.Slip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slips {
		if s.PeriodID == slip.PeriodID && s.EmployeeID == slip.EmployeeID {
			return payroll.ErrDuplicateSlip
		}
	}
	m.nextID++
	slip.ID = m.nextID
	m.slips[slip.ID] = *slip
	return nil
}

func (m *memSlips) SlipsForPeriod(_ context.Context, periodID int64) ([]payroll.Slip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payroll.Slip
	for _, s := range m.slips {
		if s.PeriodID == periodID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *memSlips) SetStatusForPeriod(_ context.Context, periodID int64, status payroll.SlipStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.slips {
		if s.PeriodID == periodID {
			s.Status = status
			m.slips[id] = s
		}
	}
	return nil
}

// memDB is a Tx over the in-memory stores; a failing transaction or savepoint
// restores every store to its state on entry.
type memDB struct {
	periods *memPeriods
	slips   *memSlips
	corr    *corrections.MemoryStore
	arch    *archive.MemoryStore
}

func newMemDB() *memDB {
	corr := corrections.NewMemoryStore()
	arch := archive.NewMemoryStore()
	return &memDB{
		periods: &memPeriods{periods: map[int64]periods.Period{}},
		slips:   &memSlips{slips: map[int64]payroll.Slip{}, corr: corr, arch: arch},
		corr:    corr,
		arch:    arch,
	}
}

func (d *memDB) checkpoint() func() {
	d.periods.mu.Lock()
	savedPeriods := make(map[int64]periods.Period, len(d.periods.periods))
	for k, v := range d.periods.periods {
		savedPeriods[k] = v
	}
	d.periods.mu.Unlock()
	d.slips.mu.Lock()
	savedSlips := make(map[int64]payroll.Slip, len(d.slips.slips))
	for k, v := range d.slips.slips {
		savedSlips[k] = v
	}
	savedNext := d.slips.nextID
	d.slips.mu.Unlock()
	restoreCorr := d.corr.Checkpoint()
	restoreArch := d.arch.Checkpoint()
	return func() {
		d.periods.mu.Lock()
		d.periods.periods = savedPeriods
		d.periods.mu.Unlock()
		d.slips.mu.Lock()
		d.slips.slips, d.slips.nextID = savedSlips, savedNext
		d.slips.mu.Unlock()
		restoreCorr()
		restoreArch()
	}
}

func (d *memDB) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	restore := d.checkpoint()
	if err := fn(ctx, d); err != nil {
		restore()
		return err
	}
	return nil
}

func (d *memDB) Savepoint(ctx context.Context, fn func(context.Context, Tx) error) error {
	return d.WithTx(ctx, fn)
}

func (d *memDB) Periods() periods.TxStore { return d.periods }
func (d *memDB) Slips() payroll.SlipStore { return d.slips }
func (d *memDB) Corrections() corrections.Store { return d.corr }
func (d *memDB) Archive() archive.Store { return d.arch }
