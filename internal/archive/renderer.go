package archive

import (
	"bytes"
	"context"
	"time"

	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/view"
)

// Content types produced by the renderers.
const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypePDF  = "application/pdf"
)

// Renderer turns a slip into its archived representation.
type Renderer interface {
	Render(ctx context.Context, slip payroll.Slip) (Document, error)
}

// PDFConverter converts HTML into PDF.
type PDFConverter interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// HTMLRenderer renders the slip template. The issue date is the slip
// computation date so identical slips render to identical bytes.
type HTMLRenderer struct {
	engine *view.Engine
}

// NewHTMLRenderer constructs an HTMLRenderer.
func NewHTMLRenderer(engine *view.Engine) *HTMLRenderer {
	return &HTMLRenderer{engine: engine}
}

// Render executes the slip template.
func (r *HTMLRenderer) Render(_ context.Context, slip payroll.Slip) (Document, error) {
	issued := slip.ComputedAt
	if issued.IsZero() {
		issued = time.Date(slip.Year, time.Month(slip.Month), 1, 0, 0, 0, 0, time.UTC)
	}
	var buf bytes.Buffer
	if err := r.engine.Render(&buf, "slip", view.NewSlipData(slip, issued)); err != nil {
		return Document{}, err
	}
	return Document{ContentType: ContentTypeHTML, Body: buf.Bytes()}, nil
}

// PDFRenderer converts the HTML rendering through a PDF converter.
type PDFRenderer struct {
	html      *HTMLRenderer
	converter PDFConverter
}

// NewPDFRenderer constructs a PDFRenderer.
func NewPDFRenderer(html *HTMLRenderer, converter PDFConverter) *PDFRenderer {
	return &PDFRenderer{html: html, converter: converter}
}

// Render produces the PDF form of the slip.
func (r *PDFRenderer) Render(ctx context.Context, slip payroll.Slip) (Document, error) {
	doc, err := r.html.Render(ctx, slip)
	if err != nil {
		return Document{}, err
	}
	pdf, err := r.converter.RenderHTML(ctx, string(doc.Body))
	if err != nil {
		return Document{}, err
	}
	return Document{ContentType: ContentTypePDF, Body: pdf}, nil
}
