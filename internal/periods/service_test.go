package periods

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	periods map[int64]Period
	nextID  int64
	changes []string
}

func newMemStore() *memStore {
	return &memStore{periods: map[int64]Period{}}
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	snapshot := make(map[int64]Period, len(m.periods))
	for k, v := range m.periods {
		snapshot[k] = v
	}
	if err := fn(ctx, m); err != nil {
		m.periods = snapshot
		return err
	}
	return nil
}

func (m *memStore) Insert(ctx context.Context, p Period) (Period, error) {
	for _, existing := range m.periods {
		if existing.EmployerID == p.EmployerID && existing.Year == p.Year && existing.Month == p.Month {
			return Period{}, fmt.Errorf("%w: %s", ErrPeriodExists, p.Label())
		}
	}
	m.nextID++
	p.ID = m.nextID
	m.periods[p.ID] = p
	return p, nil
}

func (m *memStore) Load(ctx context.Context, id int64) (Period, error) {
	p, ok := m.periods[id]
	if !ok {
		return Period{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) FindByMonth(ctx context.Context, employerID int64, year, month int) (Period, error) {
	for _, p := range m.periods {
		if p.EmployerID == employerID && p.Year == year && p.Month == month {
			return p, nil
		}
	}
	return Period{}, ErrNotFound
}

func (m *memStore) List(ctx context.Context, employerID int64, limit, offset int) ([]Period, error) {
	var out []Period
	for _, p := range m.periods {
		if p.EmployerID == employerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) LoadForUpdate(ctx context.Context, id int64) (Period, error) {
	return m.Load(ctx, id)
}

func (m *memStore) UpdateStatus(ctx context.Context, p Period, to Status, actorID int64, at time.Time) error {
	stored := m.periods[p.ID]
	stored.Status = to
	m.periods[p.ID] = stored
	m.changes = append(m.changes, fmt.Sprintf("%s->%s", p.Status, to))
	return nil
}

func TestCreateDerivesBoundsAndWorkingDays(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	p, err := svc.Create(context.Background(), CreateInput{EmployerID: 1, Year: 2025, Month: 2})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
	require.Equal(t, "2025-02-01", p.StartDate.Format(time.DateOnly))
	require.Equal(t, "2025-02-28", p.EndDate.Format(time.DateOnly))
	// February 2025 has four Sundays
	require.Equal(t, 24, p.WorkingDays)

	_, err = svc.Create(context.Background(), CreateInput{EmployerID: 1, Year: 2025, Month: 2})
	require.ErrorIs(t, err, ErrPeriodExists)

	days := 22
	custom, err := svc.Create(context.Background(), CreateInput{EmployerID: 1, Year: 2025, Month: 3, WorkingDays: &days})
	require.NoError(t, err)
	require.Equal(t, 22, custom.WorkingDays)

	_, err = svc.Create(context.Background(), CreateInput{EmployerID: 1, Year: 2025, Month: 13})
	require.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusOpen, StatusComputed},
		{StatusComputed, StatusComputed},
		{StatusComputed, StatusValidated},
		{StatusValidated, StatusClosed},
		{StatusClosed, StatusPaid},
	}
	for _, tc := range allowed {
		require.NoErrorf(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	rejected := [][2]Status{
		{StatusOpen, StatusValidated},
		{StatusComputed, StatusOpen},
		{StatusValidated, StatusComputed},
		{StatusClosed, StatusValidated},
		{StatusPaid, StatusClosed},
		{StatusPaid, StatusOpen},
		{StatusOpen, StatusPaid},
	}
	for _, tc := range rejected {
		require.Errorf(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	for _, from := range []Status{StatusValidated, StatusClosed, StatusPaid} {
		require.ErrorIs(t, CanTransition(from, StatusComputed), ErrPeriodAlreadyValidated)
	}
	require.ErrorIs(t, CanTransition(StatusComputed, StatusOpen), ErrInvalidTransition)
}

func TestCloseRecordsActorAndRejectsUnvalidated(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := NewService(store, nil)
	at := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return at })

	p, err := svc.Create(ctx, CreateInput{EmployerID: 1, Year: 2025, Month: 3})
	require.NoError(t, err)

	_, err = svc.Close(ctx, p.ID, 4)
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored := store.periods[p.ID]
	stored.Status = StatusValidated
	store.periods[p.ID] = stored

	closed, err := svc.Close(ctx, p.ID, 4)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedBy)
	require.Equal(t, int64(4), *closed.ClosedBy)
	require.True(t, closed.ClosedAt.Equal(at))
	require.Equal(t, []string{"VALIDATED->CLOSED"}, store.changes)
}

func TestNextAndLabel(t *testing.T) {
	y, m := Next(2025, 12)
	require.Equal(t, 2026, y)
	require.Equal(t, 1, m)
	require.Equal(t, "2025-03", Period{Year: 2025, Month: 3}.Label())
}
