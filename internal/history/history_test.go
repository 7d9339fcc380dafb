package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	calls []execCall
	err   error
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestRecordChangesSkipsUnchangedFields(t *testing.T) {
	q := &fakeQuerier{}
	rec := NewRecorder(q)
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	err := rec.RecordChanges(context.Background(), Entry{EmployerID: 1, ActorID: 7, Entity: "constant", EntityID: "PLAFOND_CNSS", At: at}, []Change{
		{Field: "value", Before: "2500000", After: "3000000"},
		{Field: "kind", Before: "AMOUNT", After: "AMOUNT"},
	})
	require.NoError(t, err)
	require.Len(t, q.calls, 1)
	require.Equal(t, "value", q.calls[0].args[4])
	require.Equal(t, "3000000", q.calls[0].args[6])
	require.Equal(t, at, q.calls[0].args[7])
}

func TestRecordRejectsIncompleteEntries(t *testing.T) {
	rec := NewRecorder(&fakeQuerier{})
	err := rec.Record(context.Background(), Entry{Entity: "period"})
	require.ErrorIs(t, err, ErrInvalidEntry)

	var nilRec *Recorder
	require.Error(t, nilRec.Record(context.Background(), Entry{Entity: "a", EntityID: "1", Field: "f"}))
}

func TestRecordWrapsDatabaseErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := NewRecorder(&fakeQuerier{err: boom})
	err := rec.Record(context.Background(), Entry{Entity: "slip", EntityID: "9", Field: "status", After: "VALIDATED"})
	require.ErrorIs(t, err, boom)
}
