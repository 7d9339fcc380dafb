package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/rules"
	"github.com/gn-erp/paie/internal/view"
)

var (
	testNow   = time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC)
	periodEnd = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	blobs *FileBlobStore
	root  string
}

type corruptCounter struct{ n int }

func (c *corruptCounter) AddCorrupt(n int) { c.n += n }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := view.NewEngine()
	require.NoError(t, err)
	root := t.TempDir()
	store := NewMemoryStore()
	blobs := NewFileBlobStore(root)
	svc := NewService(store, blobs, NewHTMLRenderer(engine), nil)
	svc.WithNow(func() time.Time { return testNow })
	return &fixture{svc: svc, store: store, blobs: blobs, root: root}
}

func slip(id int64, matricule string) payroll.Slip {
	return payroll.Slip{
		ID:           id,
		EmployerID:   1,
		Number:       "BP-2025-06-" + matricule,
		Year:         2025,
		Month:        6,
		Currency:     "GNF",
		Matricule:    matricule,
		EmployeeName: "Camara Fatoumata",
		Gross:        decimal.NewFromInt(1500000),
		Net:          decimal.NewFromInt(1330000),
		ComputedAt:   time.Date(2025, 6, 28, 10, 0, 0, 0, time.UTC),
		Lines: []payroll.Line{
			{RubricCode: "SAL_BASE", Label: "Salaire de base", Kind: rules.KindGain, Amount: decimal.NewFromInt(1500000), Displayed: true},
		},
	}
}

func (f *fixture) blobPath(hash string) string {
	return filepath.Join(f.root, hash[0:2], hash[2:4], hash)
}

func TestArchiveStoresContentAddressedBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)
	require.Len(t, entry.Hash, 64)
	require.Equal(t, entry.Hash, entry.StorageKey)
	require.Equal(t, ContentTypeHTML, entry.ContentType)
	require.Equal(t, "0001", entry.Matricule)
	require.True(t, entry.Net.Equal(decimal.NewFromInt(1330000)))
	require.Equal(t, time.Date(2035, 6, 30, 0, 0, 0, 0, time.UTC), entry.RetainUntil)

	data, err := os.ReadFile(f.blobPath(entry.Hash))
	require.NoError(t, err)
	require.Equal(t, entry.Hash, Hash(data))
	require.EqualValues(t, len(data), entry.Size)
}

func TestArchiveIsInsertOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)
	_, err = f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.ErrorIs(t, err, ErrAlreadyArchived)
}

func TestRenderingIsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.renderer.Render(ctx, slip(10, "0001"))
	require.NoError(t, err)
	b, err := f.svc.renderer.Render(ctx, slip(10, "0001"))
	require.NoError(t, err)
	require.Equal(t, Hash(a.Body), Hash(b.Body))
}

func TestRetentionNeverBelowLegalMinimum(t *testing.T) {
	f := newFixture(t)
	f.svc.WithRetention(5)

	entry, err := f.svc.Archive(context.Background(), nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)
	require.Equal(t, 2035, entry.RetainUntil.Year())

	f.svc.WithRetention(12)
	entry, err = f.svc.Archive(context.Background(), nil, slip(11, "0002"), periodEnd)
	require.NoError(t, err)
	require.Equal(t, 2037, entry.RetainUntil.Year())
}

func TestVerifyDetectsCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.blobPath(entry.Hash), []byte("tampered"), 0o600))
	_, err = f.svc.Verify(ctx, 10)
	require.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestDownloadServesCorruptContentWithError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)

	doc, got, err := f.svc.Download(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, entry.Hash, Hash(doc.Body))
	require.Equal(t, 1, got.DownloadCount)
	require.NotNil(t, got.LastDownloadAt)

	require.NoError(t, os.WriteFile(f.blobPath(entry.Hash), []byte("tampered"), 0o600))
	doc, got, err = f.svc.Download(ctx, 10)
	require.True(t, errors.Is(err, ErrArchiveCorrupt))
	require.Equal(t, []byte("tampered"), doc.Body)
	require.Equal(t, 2, got.DownloadCount)

	_, _, err = f.svc.Download(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyAllReportsDamagedEntries(t *testing.T) {
	f := newFixture(t)
	counter := &corruptCounter{}
	f.svc.WithMetrics(counter)
	ctx := context.Background()

	first, err := f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)
	second, err := f.svc.Archive(ctx, nil, slip(11, "0002"), periodEnd)
	require.NoError(t, err)
	third, err := f.svc.Archive(ctx, nil, slip(12, "0003"), periodEnd)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.blobPath(second.Hash), []byte("tampered"), 0o600))
	require.NoError(t, os.Remove(f.blobPath(third.Hash)))

	report, err := f.svc.VerifyAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Equal(t, []int64{second.ID}, report.Corrupt)
	require.Equal(t, []int64{third.ID}, report.Missing)
	require.NotContains(t, report.Corrupt, first.ID)
	require.Equal(t, 2, counter.n)
}

func TestEntrySurvivesSlipDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Archive(ctx, nil, slip(10, "0001"), periodEnd)
	require.NoError(t, err)
	f.store.DetachSlip(10)

	entries, err := f.store.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].SlipID)
	require.Equal(t, "0001", entries[0].Matricule)
}

type stubConverter struct{ html string }

func (s *stubConverter) RenderHTML(_ context.Context, html string) ([]byte, error) {
	s.html = html
	return []byte("%PDF-1.7 stub"), nil
}

func TestPDFRendererConvertsHTML(t *testing.T) {
	engine, err := view.NewEngine()
	require.NoError(t, err)
	converter := &stubConverter{}
	renderer := NewPDFRenderer(NewHTMLRenderer(engine), converter)

	doc, err := renderer.Render(context.Background(), slip(10, "0001"))
	require.NoError(t, err)
	require.Equal(t, ContentTypePDF, doc.ContentType)
	require.Equal(t, []byte("%PDF-1.7 stub"), doc.Body)
	require.Contains(t, converter.html, "BP-2025-06-0001")
}

func TestFileBlobStoreRejectsInvalidKeys(t *testing.T) {
	blobs := NewFileBlobStore(t.TempDir())
	require.Error(t, blobs.Put(context.Background(), "../etc/passwd", []byte("x")))
	_, err := blobs.Get(context.Background(), Hash([]byte("absent")))
	require.ErrorIs(t, err, ErrBlobNotFound)
}
