// Package history keeps the append-only modification log of payroll entities.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInvalidEntry indicates an entry missing entity or field information.
var ErrInvalidEntry = errors.New("history: entry requires entity, entity_id and field")

// Entry is one field-level change.
type Entry struct {
	EmployerID int64
	ActorID    int64
	Entity     string
	EntityID   string
	Field      string
	Before     string
	After      string
	At         time.Time
}

// Change describes one field transition recorded together with others.
type Change struct {
	Field  string
	Before string
	After  string
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Recorder writes entries into modification_history.
type Recorder struct {
	db  Querier
	now func() time.Time
}

// NewRecorder returns a Recorder bound to db.
func NewRecorder(db Querier) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// WithTx returns a Recorder writing through tx.
func (r *Recorder) WithTx(tx pgx.Tx) *Recorder {
	if r == nil {
		return nil
	}
	return &Recorder{db: tx, now: r.now}
}

// Record persists a single entry.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r == nil || r.db == nil {
		return errors.New("history: recorder not initialised")
	}
	if e.Entity == "" || e.EntityID == "" || e.Field == "" {
		return ErrInvalidEntry
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO modification_history (employer_id, actor_id, entity, entity_id, field, before_value, after_value, changed_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8)`,
		e.EmployerID, e.ActorID, e.Entity, e.EntityID, e.Field, e.Before, e.After, e.At)
	if err != nil {
		return fmt.Errorf("history: record %s/%s: %w", e.Entity, e.EntityID, err)
	}
	return nil
}

// RecordChanges persists one entry per change, skipping unchanged fields.
func (r *Recorder) RecordChanges(ctx context.Context, base Entry, changes []Change) error {
	for _, c := range changes {
		if c.Before == c.After {
			continue
		}
		e := base
		e.Field, e.Before, e.After = c.Field, c.Before, c.After
		if err := r.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// List returns the entries of one entity, oldest first.
func (r *Recorder) List(ctx context.Context, employerID int64, entity, entityID string) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT employer_id, COALESCE(actor_id, 0), entity, entity_id, field, before_value, after_value, changed_at
FROM modification_history
WHERE employer_id = $1 AND entity = $2 AND entity_id = $3
ORDER BY changed_at, id`, employerID, entity, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EmployerID, &e.ActorID, &e.Entity, &e.EntityID, &e.Field, &e.Before, &e.After, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
