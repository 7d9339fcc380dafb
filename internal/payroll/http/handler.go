// Package payrollhttp exposes the payroll engine as a thin JSON API.
package payrollhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/payrun"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/platform/httpx"
	"github.com/gn-erp/paie/internal/rules"
)

const (
	periodsPageLimit = 100
	// ActorHeader carries the id of the user behind a mutation.
	ActorHeader = "X-Actor-ID"
	// IntegrityHeader flags an archived document whose hash no longer matches.
	IntegrityHeader = "X-Archive-Integrity"
)

type payrunService interface {
	Create(ctx context.Context, in periods.CreateInput) (periods.Period, error)
	ComputePeriod(ctx context.Context, periodID, actorID int64) (payrun.Result, error)
	ComputeSlip(ctx context.Context, periodID, employeeID int64) (payroll.Slip, error)
	ValidatePeriod(ctx context.Context, periodID, actorID int64) (payrun.ValidateResult, error)
	ClosePeriod(ctx context.Context, periodID, actorID int64) (periods.Period, error)
	MarkPaid(ctx context.Context, periodID, actorID int64) (periods.Period, error)
}

type periodReader interface {
	Get(ctx context.Context, id int64) (periods.Period, error)
	List(ctx context.Context, employerID int64, limit, offset int) ([]periods.Period, error)
}

type slipReader interface {
	Slip(ctx context.Context, id int64) (payroll.Slip, error)
	SlipByToken(ctx context.Context, token uuid.UUID) (payroll.Slip, error)
	SlipsForPeriod(ctx context.Context, periodID int64) ([]payroll.Slip, error)
}

type simulator interface {
	Simulate(ctx context.Context, in payroll.SimulateInput) (payroll.Slip, error)
	CanonicalBracketTable(ctx context.Context, employerID int64, year int) ([]rules.Bracket, error)
}

type correctionService interface {
	RegisterRappel(ctx context.Context, in corrections.RegisterInput) (corrections.Adjustment, error)
	RegisterTropPercu(ctx context.Context, in corrections.RegisterInput) (corrections.Adjustment, error)
	WriteOff(ctx context.Context, in corrections.WriteOffInput) (corrections.Adjustment, error)
	Balance(ctx context.Context, employeeID int64) (corrections.Balance, error)
}

type archiveService interface {
	Download(ctx context.Context, slipID int64) (archive.Document, archive.Entry, error)
}

type ruleService interface {
	SetConstant(ctx context.Context, in rules.SetConstantInput) (rules.Constant, error)
	ReplaceBrackets(ctx context.Context, in rules.ReplaceBracketsInput) error
	UpsertRubric(ctx context.Context, in rules.RubricInput) (rules.Rubric, error)
	AddElement(ctx context.Context, in rules.ElementInput) (rules.SalaryElement, error)
	CloseElement(ctx context.Context, employerID, actorID, elementID int64, end time.Time) (rules.SalaryElement, error)
}

// Enqueuer schedules period work on the background worker.
type Enqueuer interface {
	EnqueueComputePeriod(ctx context.Context, periodID, actorID int64) (string, error)
	EnqueueValidatePeriod(ctx context.Context, periodID, actorID int64) (string, error)
}

// Deps gathers the services behind the API. Enqueuer may be nil, in which
// case asynchronous requests run inline.
type Deps struct {
	Payrun      payrunService
	Periods     periodReader
	Slips       slipReader
	Simulator   simulator
	Corrections correctionService
	Archive     archiveService
	Rules       ruleService
	Enqueuer    Enqueuer
}

// Handler wires HTTP endpoints for pay periods, slips, corrections and rule administration.
type Handler struct {
	logger *slog.Logger
	deps   Deps
}

// NewHandler constructs a payroll HTTP handler.
func NewHandler(logger *slog.Logger, deps Deps) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{logger: logger, deps: deps}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/employers/{employerID}", func(r chi.Router) {
		r.Get("/periods", h.listPeriods)
		r.Post("/periods", h.createPeriod)
		r.Post("/simulate", h.simulate)
		r.Get("/brackets/{year}", h.bracketTable)
		r.Put("/brackets/{year}", h.replaceBrackets)
		r.Post("/constants", h.setConstant)
		r.Post("/rubrics", h.upsertRubric)
		r.Post("/elements", h.addElement)
		r.Post("/elements/{elementID}/close", h.closeElement)
		r.Post("/corrections/rappel", h.registerRappel)
		r.Post("/corrections/trop-percu", h.registerTropPercu)
		r.Post("/corrections/{adjustmentID}/write-off", h.writeOff)
	})
	r.Route("/periods/{periodID}", func(r chi.Router) {
		r.Get("/", h.showPeriod)
		r.Get("/slips", h.listSlips)
		r.Post("/compute", h.computePeriod)
		r.Post("/employees/{employeeID}/compute", h.computeSlip)
		r.Post("/validate", h.validatePeriod)
		r.Post("/close", h.closePeriod)
		r.Post("/paid", h.markPaid)
	})
	r.Get("/slips/{slipID}", h.showSlip)
	r.Get("/slips/{slipID}/archive", h.downloadArchive)
	r.Get("/slips/token/{token}", h.showSlipByToken)
	r.Get("/employees/{employeeID}/corrections/balance", h.balance)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.deps.Periods.List(r.Context(), employerID, periodsPageLimit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]periodView, 0, len(list))
	for _, p := range list {
		out = append(out, newPeriodView(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	var req createPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.deps.Payrun.Create(r.Context(), periods.CreateInput{
		EmployerID:  employerID,
		Year:        req.Year,
		Month:       req.Month,
		WorkingDays: req.WorkingDays,
		ActorID:     actorID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPeriodView(p))
}

func (h *Handler) showPeriod(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	p, err := h.deps.Periods.Get(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) listSlips(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	slips, err := h.deps.Slips.SlipsForPeriod(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]slipView, 0, len(slips))
	for _, s := range slips {
		out = append(out, newSlipView(s))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) computePeriod(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	async, err := asyncRequested(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor := actorID(r)
	if async && h.deps.Enqueuer != nil {
		taskID, err := h.deps.Enqueuer.EnqueueComputePeriod(r.Context(), periodID, actor)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"period_id": periodID, "task_id": taskID})
		return
	}
	res, err := h.deps.Payrun.ComputePeriod(r.Context(), periodID, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) computeSlip(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	employeeID, ok := h.pathID(w, r, "employeeID")
	if !ok {
		return
	}
	slip, err := h.deps.Payrun.ComputeSlip(r.Context(), periodID, employeeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSlipView(slip))
}

func (h *Handler) validatePeriod(w http.ResponseWriter, r *http.Request) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	async, err := asyncRequested(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor := actorID(r)
	if async && h.deps.Enqueuer != nil {
		taskID, err := h.deps.Enqueuer.EnqueueValidatePeriod(r.Context(), periodID, actor)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"period_id": periodID, "task_id": taskID})
		return
	}
	res, err := h.deps.Payrun.ValidatePeriod(r.Context(), periodID, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"period":   newPeriodView(res.Period),
		"archived": res.Archived,
		"posted":   res.Posted,
	})
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Payrun.ClosePeriod)
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Payrun.MarkPaid)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, int64) (periods.Period, error)) {
	periodID, ok := h.pathID(w, r, "periodID")
	if !ok {
		return
	}
	p, err := fn(r.Context(), periodID, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p))
}

func (h *Handler) showSlip(w http.ResponseWriter, r *http.Request) {
	slipID, ok := h.pathID(w, r, "slipID")
	if !ok {
		return
	}
	slip, err := h.deps.Slips.Slip(r.Context(), slipID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSlipView(slip))
}

func (h *Handler) showSlipByToken(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown slip token")
		return
	}
	slip, err := h.deps.Slips.SlipByToken(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := newSlipView(slip)
	view.AccessToken = ""
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) downloadArchive(w http.ResponseWriter, r *http.Request) {
	slipID, ok := h.pathID(w, r, "slipID")
	if !ok {
		return
	}
	doc, entry, err := h.deps.Archive.Download(r.Context(), slipID)
	switch {
	case errors.Is(err, archive.ErrArchiveCorrupt):
		h.logger.Warn("archive integrity check failed", slog.Int64("slip_id", slipID), slog.Int64("archive_id", entry.ID))
		w.Header().Set(IntegrityHeader, "corrupt")
	case err != nil:
		h.fail(w, r, err)
		return
	default:
		w.Header().Set(IntegrityHeader, "ok")
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", archiveFilename(entry, doc.ContentType)))
	w.Header().Set("ETag", strconv.Quote(entry.Hash))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func archiveFilename(entry archive.Entry, contentType string) string {
	ext := "html"
	if contentType == archive.ContentTypePDF {
		ext = "pdf"
	}
	return fmt.Sprintf("bulletin-%04d%02d-%s.%s", entry.Year, entry.Month, entry.Matricule, ext)
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	var req simulateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	slip, err := h.deps.Simulator.Simulate(r.Context(), req.input(employerID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSlipView(slip))
}

func (h *Handler) bracketTable(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	year, ok := h.pathInt(w, r, "year")
	if !ok {
		return
	}
	brackets, err := h.deps.Simulator.CanonicalBracketTable(r.Context(), employerID, year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]bracketView, 0, len(brackets))
	for _, b := range brackets {
		out = append(out, bracketView{Ordinal: b.Ordinal, Lower: b.Lower, Upper: b.Upper, Rate: b.Rate})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) replaceBrackets(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	year, ok := h.pathInt(w, r, "year")
	if !ok {
		return
	}
	var req bracketsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := rules.ReplaceBracketsInput{EmployerID: employerID, ActorID: actorID(r), Year: year}
	for _, b := range req.Brackets {
		in.Brackets = append(in.Brackets, rules.Bracket{Year: year, Ordinal: b.Ordinal, Lower: b.Lower, Upper: b.Upper, Rate: b.Rate})
	}
	if err := h.deps.Rules.ReplaceBrackets(r.Context(), in); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setConstant(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	var req constantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.deps.Rules.SetConstant(r.Context(), rules.SetConstantInput{
		EmployerID: employerID,
		ActorID:    actorID(r),
		Code:       req.Code,
		Label:      req.Label,
		Value:      req.Value,
		Kind:       rules.ConstantKind(strings.ToUpper(req.Kind)),
		Category:   req.Category,
		ValidFrom:  req.ValidFrom.Time,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, constantView{
		ID:        c.ID,
		Code:      c.Code,
		Label:     c.Label,
		Value:     c.Value,
		Kind:      c.Kind,
		Category:  c.Category,
		ValidFrom: c.ValidFrom.Format(time.DateOnly),
	})
}

func (h *Handler) upsertRubric(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	var req rubricRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rb, err := h.deps.Rules.UpsertRubric(r.Context(), rules.RubricInput{
		EmployerID:       employerID,
		ActorID:          actorID(r),
		Code:             req.Code,
		Label:            req.Label,
		Kind:             rules.RubricKind(strings.ToUpper(req.Kind)),
		SubjectToSocial:  req.SubjectToSocial,
		SubjectToTax:     req.SubjectToTax,
		ForfaitIndemnity: req.ForfaitIndemnity,
		DefaultRate:      req.DefaultRate,
		DefaultAmount:    req.DefaultAmount,
		DefaultBaseRef:   req.DefaultBaseRef,
		ComputationOrder: req.ComputationOrder,
		DisplayOrder:     req.DisplayOrder,
		Displayed:        req.Displayed,
		Active:           req.Active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rubricView{
		ID:               rb.ID,
		Code:             rb.Code,
		Label:            rb.Label,
		Kind:             rb.Kind,
		SubjectToSocial:  rb.SubjectToSocial,
		SubjectToTax:     rb.SubjectToTax,
		ForfaitIndemnity: rb.ForfaitIndemnity,
		DefaultBaseRef:   rb.DefaultBaseRef,
		ComputationOrder: rb.ComputationOrder,
		Active:           rb.Active,
	})
}

func (h *Handler) addElement(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	var req elementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	el, err := h.deps.Rules.AddElement(r.Context(), rules.ElementInput{
		EmployerID: employerID,
		ActorID:    actorID(r),
		EmployeeID: req.EmployeeID,
		RubricCode: req.RubricCode,
		Amount:     req.Amount,
		Rate:       req.Rate,
		BaseRef:    req.BaseRef,
		Quantity:   req.Quantity,
		ValidFrom:  req.ValidFrom.Time,
		ValidTo:    req.ValidTo.ptr(),
		Recurrent:  req.Recurrent,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newElementView(el))
}

func (h *Handler) closeElement(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	elementID, ok := h.pathID(w, r, "elementID")
	if !ok {
		return
	}
	var req closeElementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.End.IsZero() {
		h.fail(w, r, fmt.Errorf("%w: end date required", httpx.ErrValidation))
		return
	}
	el, err := h.deps.Rules.CloseElement(r.Context(), employerID, actorID(r), elementID, req.End.Time)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newElementView(el))
}

func (h *Handler) registerRappel(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.deps.Corrections.RegisterRappel)
}

func (h *Handler) registerTropPercu(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.deps.Corrections.RegisterTropPercu)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, fn func(context.Context, corrections.RegisterInput) (corrections.Adjustment, error)) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	var req correctionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	adj, err := fn(r.Context(), corrections.RegisterInput{
		EmployerID:  employerID,
		EmployeeID:  req.EmployeeID,
		ActorID:     actorID(r),
		Amount:      req.Amount,
		Reason:      req.Reason,
		TargetYear:  req.TargetYear,
		TargetMonth: req.TargetMonth,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newAdjustmentView(adj))
}

func (h *Handler) writeOff(w http.ResponseWriter, r *http.Request) {
	employerID, ok := h.pathID(w, r, "employerID")
	if !ok {
		return
	}
	adjustmentID, ok := h.pathID(w, r, "adjustmentID")
	if !ok {
		return
	}
	var req writeOffRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	adj, err := h.deps.Corrections.WriteOff(r.Context(), corrections.WriteOffInput{
		EmployerID:   employerID,
		AdjustmentID: adjustmentID,
		ActorID:      actorID(r),
		Reason:       req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newAdjustmentView(adj))
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	employeeID, ok := h.pathID(w, r, "employeeID")
	if !ok {
		return
	}
	b, err := h.deps.Corrections.Balance(r.Context(), employeeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"employee_id":            b.EmployeeID,
		"back_pay_registered":    b.BackPayRegistered,
		"back_pay_paid":          b.BackPayPaid,
		"overpayment_registered": b.OverpaymentRegistered,
		"overpayment_recovered":  b.OverpaymentRecovered,
		"deferred_registered":    b.DeferredRegistered,
		"deferred_recovered":     b.DeferredRecovered,
		"written_off":            b.WrittenOff,
		"outstanding":            b.Outstanding,
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func (h *Handler) pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return v, true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
	}
	return v, nil
}

// asyncRequested reads the optional {"async": true} body or ?async=1.
func asyncRequested(r *http.Request) (bool, error) {
	if v := r.URL.Query().Get("async"); v != "" {
		async, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: invalid async flag", httpx.ErrValidation)
		}
		return async, nil
	}
	if r.ContentLength == 0 {
		return false, nil
	}
	var req computeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return false, err
	}
	return req.Async, nil
}

func actorID(r *http.Request) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(ActorHeader)), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
