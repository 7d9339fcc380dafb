package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gn-erp/paie/internal/payroll"
)

// Store persists archive entries.
type Store interface {
	Insert(ctx context.Context, e Entry) (Entry, error)
	BySlip(ctx context.Context, slipID int64) (Entry, error)
	RecordDownload(ctx context.Context, id int64, at time.Time) (Entry, error)
	List(ctx context.Context, afterID int64, limit int) ([]Entry, error)
}

// CorruptCounter records corrupt entries found by verification.
type CorruptCounter interface {
	AddCorrupt(count int)
}

const verifyPageSize = 500

// Service archives validated slips and serves them back.
type Service struct {
	store          Store
	blobs          BlobStore
	renderer       Renderer
	retentionYears int
	metrics        CorruptCounter
	logger         *slog.Logger
	now            func() time.Time
}

// NewService constructs a Service instance.
func NewService(store Store, blobs BlobStore, renderer Renderer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		blobs:          blobs,
		renderer:       renderer,
		retentionYears: DefaultRetentionYears,
		logger:         logger,
		now:            time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithRetention sets the retention in years; values below the legal minimum are raised to it.
func (s *Service) WithRetention(years int) {
	s.retentionYears = years
}

// WithMetrics attaches the corrupt-entry counter.
func (s *Service) WithMetrics(m CorruptCounter) {
	s.metrics = m
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Archive renders slip, stores the bytes under their hash and records the entry
// through st. Callers validating a period pass their transaction store so an
// archive failure aborts the validation.
func (s *Service) Archive(ctx context.Context, st Store, slip payroll.Slip, periodEnd time.Time) (Entry, error) {
	if st == nil {
		st = s.store
	}
	if slip.ID == 0 {
		return Entry{}, fmt.Errorf("archive: slip %s is not persisted", slip.Number)
	}
	doc, err := s.renderer.Render(ctx, slip)
	if err != nil {
		return Entry{}, fmt.Errorf("render slip %s: %w", slip.Number, err)
	}
	hash := Hash(doc.Body)
	if err := s.blobs.Put(ctx, hash, doc.Body); err != nil {
		return Entry{}, fmt.Errorf("store slip %s: %w", slip.Number, err)
	}
	slipID := slip.ID
	entry, err := st.Insert(ctx, Entry{
		EmployerID:   slip.EmployerID,
		SlipID:       &slipID,
		Hash:         hash,
		Size:         int64(len(doc.Body)),
		StorageKey:   hash,
		ContentType:  doc.ContentType,
		Matricule:    slip.Matricule,
		EmployeeName: slip.EmployeeName,
		Year:         slip.Year,
		Month:        slip.Month,
		Net:          slip.Net,
		Currency:     slip.Currency,
		RetainUntil:  RetentionUntil(periodEnd, s.retentionYears),
		ArchivedAt:   s.now().UTC(),
	})
	if err != nil {
		return Entry{}, err
	}
	s.logger.Debug("slip archived",
		slog.Int64("slip_id", slip.ID),
		slog.String("sha256", hash),
		slog.Int64("bytes", entry.Size))
	return entry, nil
}

// Verify checks that the stored bytes of the slip's entry still match its hash.
func (s *Service) Verify(ctx context.Context, slipID int64) (Entry, error) {
	entry, err := s.store.BySlip(ctx, slipID)
	if err != nil {
		return Entry{}, err
	}
	_, err = s.check(ctx, entry)
	return entry, err
}

func (s *Service) check(ctx context.Context, entry Entry) ([]byte, error) {
	data, err := s.blobs.Get(ctx, entry.StorageKey)
	if err != nil {
		return nil, err
	}
	if Hash(data) != entry.Hash {
		return data, fmt.Errorf("%w: entry %d", ErrArchiveCorrupt, entry.ID)
	}
	return data, nil
}

// Download returns the archived document and counts the download. Corrupt
// content is still returned, together with ErrArchiveCorrupt.
func (s *Service) Download(ctx context.Context, slipID int64) (Document, Entry, error) {
	entry, err := s.store.BySlip(ctx, slipID)
	if err != nil {
		return Document{}, Entry{}, err
	}
	data, checkErr := s.check(ctx, entry)
	if checkErr != nil && !errors.Is(checkErr, ErrArchiveCorrupt) {
		return Document{}, entry, checkErr
	}
	updated, err := s.store.RecordDownload(ctx, entry.ID, s.now().UTC())
	if err != nil {
		return Document{}, entry, err
	}
	if checkErr != nil {
		s.logger.Warn("serving corrupt archive entry", slog.Int64("slip_id", slipID), slog.Int64("entry_id", entry.ID))
	}
	return Document{ContentType: updated.ContentType, Body: data}, updated, checkErr
}

// VerifyAll checks every entry and reports the corrupt and missing ones.
func (s *Service) VerifyAll(ctx context.Context) (VerifyReport, error) {
	var (
		report VerifyReport
		after  int64
	)
	for {
		page, err := s.store.List(ctx, after, verifyPageSize)
		if err != nil {
			return report, err
		}
		for _, entry := range page {
			report.Checked++
			if _, err := s.check(ctx, entry); err != nil {
				switch {
				case errors.Is(err, ErrArchiveCorrupt):
					report.Corrupt = append(report.Corrupt, entry.ID)
				case errors.Is(err, ErrBlobNotFound):
					report.Missing = append(report.Missing, entry.ID)
				default:
					return report, err
				}
			}
			after = entry.ID
		}
		if len(page) < verifyPageSize {
			break
		}
	}
	if s.metrics != nil {
		s.metrics.AddCorrupt(len(report.Corrupt) + len(report.Missing))
	}
	if len(report.Corrupt) > 0 || len(report.Missing) > 0 {
		s.logger.Error("archive verification found damaged entries",
			slog.Int("checked", report.Checked),
			slog.Int("corrupt", len(report.Corrupt)),
			slog.Int("missing", len(report.Missing)))
	}
	return report, nil
}
