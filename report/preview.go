package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/platform/httpx"
)

type slipSource interface {
	Slip(ctx context.Context, id int64) (payroll.Slip, error)
}

type renderer interface {
	Render(ctx context.Context, slip payroll.Slip) (archive.Document, error)
}

// Handler serves converter health and PDF previews of computed slips.
// Previews are never archived.
type Handler struct {
	client *Client
	slips  slipSource
	pdf    renderer
	logger *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(client *Client, slips slipSource, html *archive.HTMLRenderer, logger *slog.Logger) *Handler {
	return &Handler{
		client: client,
		slips:  slips,
		pdf:    archive.NewPDFRenderer(html, client),
		logger: logger,
	}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
	r.Get("/slips/{slipID}/preview.pdf", h.preview)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "pdf converter unreachable")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	slipID, err := strconv.ParseInt(chi.URLParam(r, "slipID"), 10, 64)
	if err != nil || slipID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid slipID")
		return
	}
	slip, err := h.slips.Slip(r.Context(), slipID)
	if errors.Is(err, payroll.ErrSlipNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("load slip for preview", slog.Int64("slip_id", slipID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.pdf.Render(r.Context(), slip)
	if err != nil {
		h.logger.Error("render slip pdf", slog.Int64("slip_id", slipID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "pdf conversion failed")
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", slip.Number+".pdf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}
