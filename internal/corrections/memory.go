package corrections

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process ledger used by offline simulations and tests.
type MemoryStore struct {
	mu    sync.Mutex
	state memLedger
}

type memLedger struct {
	nextID       int64
	adjustments  []Adjustment
	applications []Application
}

func (l memLedger) clone() memLedger {
	return memLedger{
		nextID:       l.nextID,
		adjustments:  append([]Adjustment(nil), l.adjustments...),
		applications: append([]Application(nil), l.applications...),
	}
}

// NewMemoryStore returns an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// DropSlip removes what a deleted slip consumed or deferred, as the foreign
// key cascades do in PostgreSQL.
func (m *MemoryStore) DropSlip(slipID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apps := m.state.applications[:0]
	for _, a := range m.state.applications {
		if a.SlipID != slipID {
			apps = append(apps, a)
		}
	}
	m.state.applications = apps
	dropped := map[int64]bool{}
	adjs := m.state.adjustments[:0]
	for _, a := range m.state.adjustments {
		if a.OriginSlipID != nil && *a.OriginSlipID == slipID {
			dropped[a.ID] = true
			continue
		}
		adjs = append(adjs, a)
	}
	m.state.adjustments = adjs
	if len(dropped) > 0 {
		kept := m.state.applications[:0]
		for _, app := range m.state.applications {
			if !dropped[app.AdjustmentID] {
				kept = append(kept, app)
			}
		}
		m.state.applications = kept
	}
}

// Checkpoint captures the ledger; the returned func restores it.
func (m *MemoryStore) Checkpoint() func() {
	m.mu.Lock()
	saved := m.state.clone()
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.state = saved
		m.mu.Unlock()
	}
}

// WithTx runs fn against a copy committed only when fn succeeds.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Store) error) error {
	m.mu.Lock()
	work := &memTx{state: m.state.clone()}
	m.mu.Unlock()
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work.state
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) read(fn func(*memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &memTx{state: m.state}
	err := fn(t)
	m.state = t.state
	return err
}

// Insert and the other Store methods apply immediately outside WithTx.
func (m *MemoryStore) Insert(ctx context.Context, a Adjustment) (Adjustment, error) {
	var out Adjustment
	err := m.read(func(t *memTx) (err error) { out, err = t.Insert(ctx, a); return err })
	return out, err
}

func (m *MemoryStore) Load(ctx context.Context, id int64) (Adjustment, error) {
	var out Adjustment
	err := m.read(func(t *memTx) (err error) { out, err = t.Load(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) Outstanding(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	var out []Adjustment
	err := m.read(func(t *memTx) (err error) { out, err = t.Outstanding(ctx, employeeID); return err })
	return out, err
}

func (m *MemoryStore) ForEmployee(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	var out []Adjustment
	err := m.read(func(t *memTx) (err error) { out, err = t.ForEmployee(ctx, employeeID); return err })
	return out, err
}

func (m *MemoryStore) Apply(ctx context.Context, app Application) error {
	return m.read(func(t *memTx) error { return t.Apply(ctx, app) })
}

type memTx struct {
	state memLedger
}

func (t *memTx) Insert(_ context.Context, a Adjustment) (Adjustment, error) {
	t.state.nextID++
	a.ID = t.state.nextID
	a.Applied, a.WrittenOff = decimal.Zero, decimal.Zero
	t.state.adjustments = append(t.state.adjustments, a)
	return a, nil
}

func (t *memTx) Load(_ context.Context, id int64) (Adjustment, error) {
	for _, a := range t.state.adjustments {
		if a.ID == id {
			return t.withTotals(a), nil
		}
	}
	return Adjustment{}, ErrNotFound
}

func (t *memTx) Outstanding(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	all, _ := t.ForEmployee(ctx, employeeID)
	var out []Adjustment
	for _, a := range all {
		if a.Kind != KindWriteOff && a.Remaining().IsPositive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) ForEmployee(_ context.Context, employeeID int64) ([]Adjustment, error) {
	var out []Adjustment
	for _, a := range t.state.adjustments {
		if a.EmployeeID == employeeID {
			out = append(out, t.withTotals(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TargetYear*12+out[i].TargetMonth != out[j].TargetYear*12+out[j].TargetMonth {
			return out[i].TargetYear*12+out[i].TargetMonth < out[j].TargetYear*12+out[j].TargetMonth
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) Apply(_ context.Context, app Application) error {
	if _, err := t.Load(context.Background(), app.AdjustmentID); err != nil {
		return err
	}
	t.state.applications = append(t.state.applications, app)
	return nil
}

func (t *memTx) withTotals(a Adjustment) Adjustment {
	a.Applied, a.WrittenOff = decimal.Zero, decimal.Zero
	for _, app := range t.state.applications {
		if app.AdjustmentID == a.ID {
			a.Applied = a.Applied.Add(app.Amount)
		}
	}
	for _, w := range t.state.adjustments {
		if w.Kind == KindWriteOff && w.ParentID != nil && *w.ParentID == a.ID {
			a.WrittenOff = a.WrittenOff.Add(w.Amount)
		}
	}
	return a
}
