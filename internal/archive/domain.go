// Package archive keeps the legal copy of validated payslips: rendered bytes
// stored under their SHA-256 with a denormalised record that outlives the slip.
package archive

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRetentionYears is the minimum legal retention after the period end.
const DefaultRetentionYears = 10

var (
	// ErrArchiveCorrupt indicates stored bytes no longer hash to the recorded value.
	ErrArchiveCorrupt = errors.New("archive: content does not match its hash")
	// ErrNotFound indicates no archive entry exists for the slip.
	ErrNotFound = errors.New("archive: entry not found")
	// ErrAlreadyArchived indicates the slip already has an archive entry.
	ErrAlreadyArchived = errors.New("archive: slip already archived")
	// ErrBlobNotFound indicates the blob store has no content for a key.
	ErrBlobNotFound = errors.New("archive: blob not found")
)

// Entry is the archive record of one slip.
type Entry struct {
	ID             int64
	EmployerID     int64
	SlipID         *int64
	Hash           string
	Size           int64
	StorageKey     string
	ContentType    string
	Matricule      string
	EmployeeName   string
	Year           int
	Month          int
	Net            decimal.Decimal
	Currency       string
	RetainUntil    time.Time
	DownloadCount  int
	LastDownloadAt *time.Time
	ArchivedAt     time.Time
}

// Document is a rendered slip.
type Document struct {
	ContentType string
	Body        []byte
}

// VerifyReport summarises a full verification pass.
type VerifyReport struct {
	Checked int
	Corrupt []int64
	Missing []int64
}

// RetentionUntil returns the date the entry must be kept until.
func RetentionUntil(periodEnd time.Time, years int) time.Time {
	if years < DefaultRetentionYears {
		years = DefaultRetentionYears
	}
	y, m, d := periodEnd.Date()
	return time.Date(y+years, m, d, 0, 0, 0, 0, time.UTC)
}
