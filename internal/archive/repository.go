package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gn-erp/paie/internal/platform/db"
)

// Repository persists archive entries in slip_archive.
type Repository struct {
	store
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{store: store{q: pool}}
}

// StoreFor binds archive writes to an existing transaction.
func StoreFor(q db.Querier) Store {
	return &store{q: q}
}

type store struct {
	q db.Querier
}

const entryColumns = `id, employer_id, slip_id, sha256, byte_size, storage_key, content_type, matricule,
    employee_name, year, month, net_to_pay::text, currency, retention_until, download_count,
    last_download_at, archived_at`

func (s *store) Insert(ctx context.Context, e Entry) (Entry, error) {
	row := s.q.QueryRow(ctx, `INSERT INTO slip_archive (employer_id, slip_id, sha256, byte_size, storage_key,
    content_type, matricule, employee_name, year, month, net_to_pay, currency, retention_until, archived_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14)
RETURNING `+entryColumns,
		e.EmployerID, e.SlipID, e.Hash, e.Size, e.StorageKey, e.ContentType, e.Matricule, e.EmployeeName,
		e.Year, e.Month, db.Numeric(e.Net), e.Currency, e.RetainUntil, e.ArchivedAt)
	out, err := scanEntry(row)
	if err != nil {
		if db.IsUniqueViolation(err, "slip_archive_slip_key") {
			return Entry{}, fmt.Errorf("%w: slip %d", ErrAlreadyArchived, derefID(e.SlipID))
		}
		return Entry{}, err
	}
	return out, nil
}

func (s *store) BySlip(ctx context.Context, slipID int64) (Entry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM slip_archive WHERE slip_id = $1`, slipID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *store) RecordDownload(ctx context.Context, id int64, at time.Time) (Entry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx, `UPDATE slip_archive
SET download_count = download_count + 1, last_download_at = $2
WHERE id = $1
RETURNING `+entryColumns, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *store) List(ctx context.Context, afterID int64, limit int) ([]Entry, error) {
	rows, err := s.q.Query(ctx, `SELECT `+entryColumns+` FROM slip_archive WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e   Entry
		net string
	)
	if err := row.Scan(&e.ID, &e.EmployerID, &e.SlipID, &e.Hash, &e.Size, &e.StorageKey, &e.ContentType,
		&e.Matricule, &e.EmployeeName, &e.Year, &e.Month, &net, &e.Currency, &e.RetainUntil,
		&e.DownloadCount, &e.LastDownloadAt, &e.ArchivedAt); err != nil {
		return Entry{}, err
	}
	value, err := db.ParseNumeric(net)
	if err != nil {
		return Entry{}, err
	}
	e.Net = value
	return e, nil
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
