package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gn-erp/paie/internal/history"
)

// MemoryStore keeps a rule set in process. It backs offline simulation from a
// seed file and implements the same ports as Repository.
type MemoryStore struct {
	mu              sync.RWMutex
	state           memState
	defaultCurrency string
}

type memBracket struct {
	employerID int64
	Bracket
}

type memState struct {
	nextID    int64
	currency  map[int64]string
	constants []Constant
	brackets  []memBracket
	rubrics   []Rubric
	elements  []SalaryElement
	lastUse   map[int64]time.Time
	history   []history.Entry
}

func (s memState) clone() memState {
	out := memState{nextID: s.nextID}
	out.currency = make(map[int64]string, len(s.currency))
	for k, v := range s.currency {
		out.currency[k] = v
	}
	out.constants = append([]Constant(nil), s.constants...)
	out.brackets = append([]memBracket(nil), s.brackets...)
	out.rubrics = append([]Rubric(nil), s.rubrics...)
	out.elements = append([]SalaryElement(nil), s.elements...)
	out.lastUse = make(map[int64]time.Time, len(s.lastUse))
	for k, v := range s.lastUse {
		out.lastUse[k] = v
	}
	out.history = append([]history.Entry(nil), s.history...)
	return out
}

// NewMemoryStore returns an empty store whose employers use defaultCurrency.
func NewMemoryStore(defaultCurrency string) *MemoryStore {
	return &MemoryStore{
		state:           memState{currency: map[int64]string{}, lastUse: map[int64]time.Time{}},
		defaultCurrency: strings.ToUpper(defaultCurrency),
	}
}

// SetCurrency overrides the base currency of one employer.
func (m *MemoryStore) SetCurrency(employerID int64, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.currency[employerID] = strings.ToUpper(code)
}

// MarkValidatedUse records that a validated period ending on day used the element.
func (m *MemoryStore) MarkValidatedUse(elementID int64, day time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.state.lastUse[elementID]; !ok || day.After(prev) {
		m.state.lastUse[elementID] = day
	}
}

// History returns the recorded modification entries.
func (m *MemoryStore) History() []history.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]history.Entry(nil), m.state.history...)
}

// Constants implements Store.
func (m *MemoryStore) Constants(ctx context.Context, employerID int64, day time.Time) ([]Constant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Constant
	for _, c := range m.state.constants {
		if c.EmployerID == employerID && c.ActiveOn(day) {
			out = append(out, c)
		}
	}
	return out, nil
}

// BracketYears implements Store.
func (m *MemoryStore) BracketYears(ctx context.Context, employerID int64) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int]bool{}
	var years []int
	for _, b := range m.state.brackets {
		if (b.employerID == employerID || b.employerID == 0) && !seen[b.Year] {
			seen[b.Year] = true
			years = append(years, b.Year)
		}
	}
	sort.Ints(years)
	return years, nil
}

// BracketsForYear implements Store.
func (m *MemoryStore) BracketsForYear(ctx context.Context, employerID int64, year int) ([]Bracket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.bracketsForYear(employerID, year), nil
}

func (s *memState) bracketsForYear(employerID int64, year int) []Bracket {
	var own, shared []Bracket
	for _, b := range s.brackets {
		if b.Year != year {
			continue
		}
		switch b.employerID {
		case employerID:
			own = append(own, b.Bracket)
		case 0:
			shared = append(shared, b.Bracket)
		}
	}
	if len(own) > 0 {
		return SortBrackets(own)
	}
	return SortBrackets(shared)
}

// Rubrics implements Store.
func (m *MemoryStore) Rubrics(ctx context.Context, employerID int64) ([]Rubric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rubric
	for _, r := range m.state.rubrics {
		if r.EmployerID == employerID && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// Elements implements Store.
func (m *MemoryStore) Elements(ctx context.Context, employerID, employeeID int64, day time.Time) ([]SalaryElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SalaryElement
	for _, e := range m.state.elements {
		if e.EmployerID == employerID && e.EmployeeID == employeeID && e.ActiveOn(day) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RubricCode != out[j].RubricCode {
			return out[i].RubricCode < out[j].RubricCode
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// EmployerElements implements Store.
func (m *MemoryStore) EmployerElements(ctx context.Context, employerID int64, day time.Time) ([]SalaryElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SalaryElement
	for _, e := range m.state.elements {
		if e.EmployerID == employerID && e.ActiveOn(day) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EmployeeID != out[j].EmployeeID {
			return out[i].EmployeeID < out[j].EmployeeID
		}
		if out[i].RubricCode != out[j].RubricCode {
			return out[i].RubricCode < out[j].RubricCode
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// BaseCurrency implements CurrencySource.
func (m *MemoryStore) BaseCurrency(ctx context.Context, employerID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if code, ok := m.state.currency[employerID]; ok {
		return code, nil
	}
	if m.defaultCurrency == "" {
		return "", fmt.Errorf("%w: base currency for employer %d", ErrConfigurationMissing, employerID)
	}
	return m.defaultCurrency, nil
}

// WithTx runs fn against a copy of the state, published only when fn succeeds.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(ctx, &memTx{state: &work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) id() int64 {
	t.state.nextID++
	return t.state.nextID
}

func (t *memTx) ActiveConstant(ctx context.Context, employerID int64, code string, day time.Time) (Constant, bool, error) {
	var (
		best  Constant
		found bool
	)
	for _, c := range t.state.constants {
		if c.EmployerID != employerID || c.Code != code || !c.ActiveOn(day) {
			continue
		}
		if !found || c.ValidFrom.After(best.ValidFrom) || (c.ValidFrom.Equal(best.ValidFrom) && c.ID > best.ID) {
			best, found = c, true
		}
	}
	return best, found, nil
}

func (t *memTx) InsertConstant(ctx context.Context, c Constant) (Constant, error) {
	c.ID = t.id()
	t.state.constants = append(t.state.constants, c)
	return c, nil
}

func (t *memTx) ExpireConstant(ctx context.Context, id int64, validTo time.Time) error {
	for i := range t.state.constants {
		if t.state.constants[i].ID == id {
			end := validTo
			t.state.constants[i].ValidTo = &end
			return nil
		}
	}
	return fmt.Errorf("%w: constant %d", ErrNotFound, id)
}

func (t *memTx) BracketsForYear(ctx context.Context, employerID int64, year int) ([]Bracket, error) {
	return t.state.bracketsForYear(employerID, year), nil
}

func (t *memTx) ReplaceBrackets(ctx context.Context, employerID int64, year int, brackets []Bracket) error {
	kept := t.state.brackets[:0:0]
	for _, b := range t.state.brackets {
		if b.employerID == employerID && b.Year == year {
			continue
		}
		kept = append(kept, b)
	}
	for _, b := range brackets {
		kept = append(kept, memBracket{employerID: employerID, Bracket: b})
	}
	t.state.brackets = kept
	return nil
}

func (t *memTx) AllRubrics(ctx context.Context, employerID int64) ([]Rubric, error) {
	var out []Rubric
	for _, r := range t.state.rubrics {
		if r.EmployerID == employerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) UpsertRubric(ctx context.Context, r Rubric) (Rubric, error) {
	for i := range t.state.rubrics {
		if t.state.rubrics[i].EmployerID == r.EmployerID && t.state.rubrics[i].Code == r.Code {
			r.ID = t.state.rubrics[i].ID
			t.state.rubrics[i] = r
			return r, nil
		}
	}
	r.ID = t.id()
	t.state.rubrics = append(t.state.rubrics, r)
	return r, nil
}

func (t *memTx) EmployeeElements(ctx context.Context, employerID, employeeID int64, rubricCode string) ([]SalaryElement, error) {
	var out []SalaryElement
	for _, e := range t.state.elements {
		if e.EmployerID == employerID && e.EmployeeID == employeeID && e.RubricCode == rubricCode && e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) InsertElement(ctx context.Context, e SalaryElement) (SalaryElement, error) {
	e.ID = t.id()
	t.state.elements = append(t.state.elements, e)
	return e, nil
}

func (t *memTx) LoadElementForUpdate(ctx context.Context, employerID, elementID int64) (SalaryElement, error) {
	for _, e := range t.state.elements {
		if e.EmployerID == employerID && e.ID == elementID {
			return e, nil
		}
	}
	return SalaryElement{}, fmt.Errorf("%w: element %d", ErrNotFound, elementID)
}

func (t *memTx) UpdateElementEnd(ctx context.Context, elementID int64, validTo time.Time) error {
	for i := range t.state.elements {
		if t.state.elements[i].ID == elementID {
			end := validTo
			t.state.elements[i].ValidTo = &end
			return nil
		}
	}
	return fmt.Errorf("%w: element %d", ErrNotFound, elementID)
}

func (t *memTx) LastValidatedUse(ctx context.Context, elementID int64) (*time.Time, error) {
	if day, ok := t.state.lastUse[elementID]; ok {
		return &day, nil
	}
	return nil, nil
}

func (t *memTx) RecordHistory(ctx context.Context, base history.Entry, changes []history.Change) error {
	for _, c := range changes {
		if c.Before == c.After {
			continue
		}
		e := base
		e.Field, e.Before, e.After = c.Field, c.Before, c.After
		t.state.history = append(t.state.history, e)
	}
	return nil
}

// EmployerIDs lists employers known to the store through a currency or an
// employer-specific rule.
func (m *MemoryStore) EmployerIDs(context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]bool{}
	for id := range m.state.currency {
		seen[id] = true
	}
	for _, c := range m.state.constants {
		seen[c.EmployerID] = true
	}
	for _, r := range m.state.rubrics {
		seen[r.EmployerID] = true
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
