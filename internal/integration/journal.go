package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gn-erp/paie/internal/platform/db"
)

// JournalWriter posts journal entries and reads account mappings in PostgreSQL.
type JournalWriter struct {
	pool *pgxpool.Pool
}

// NewJournalWriter constructs a JournalWriter.
func NewJournalWriter(pool *pgxpool.Pool) *JournalWriter {
	return &JournalWriter{pool: pool}
}

// PostJournal inserts the entry and its lines in one transaction.
func (w *JournalWriter) PostJournal(ctx context.Context, input PostingInput) (int64, error) {
	if err := checkBalanced(input.Lines); err != nil {
		return 0, err
	}
	var id int64
	err := db.WithTx(ctx, w.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO journal_entries (employer_id, period_id, source_module, source_id, memo, posted_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, input.EmployerID, input.PeriodID, input.SourceModule, input.SourceID, input.Memo, input.Date).Scan(&id)
		if err != nil {
			if db.IsUniqueViolation(err, "journal_entries_source_key") {
				return ErrSourceAlreadyLinked
			}
			return fmt.Errorf("insert journal entry: %w", err)
		}
		batch := &pgx.Batch{}
		for _, l := range input.Lines {
			batch.Queue(`INSERT INTO journal_lines (entry_id, account_code, debit, credit, memo)
VALUES ($1, $2, $3::numeric, $4::numeric, $5)`, id, l.AccountCode, db.Numeric(l.Debit), db.Numeric(l.Credit), l.Memo)
		}
		results := tx.SendBatch(ctx, batch)
		for range input.Lines {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert journal line: %w", err)
			}
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the account code mapped to (module, key), or "" when unmapped.
func (w *JournalWriter) Get(ctx context.Context, employerID int64, module, key string) (string, error) {
	var code string
	err := w.pool.QueryRow(ctx, `SELECT account_code FROM account_mappings
WHERE employer_id = $1 AND module = $2 AND key = $3`, employerID, module, key).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return code, nil
}
