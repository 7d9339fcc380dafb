package payrollhttp

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/payrun"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/platform/httpx"
	"github.com/gn-erp/paie/internal/rules"
)

type problem struct {
	err    error
	status int
	title  string
	code   string
}

var problems = []problem{
	{periods.ErrNotFound, http.StatusNotFound, "Not Found", "PERIOD_NOT_FOUND"},
	{payroll.ErrSlipNotFound, http.StatusNotFound, "Not Found", "SLIP_NOT_FOUND"},
	{payroll.ErrEmployeeNotFound, http.StatusNotFound, "Not Found", "EMPLOYEE_NOT_FOUND"},
	{archive.ErrNotFound, http.StatusNotFound, "Not Found", "ARCHIVE_NOT_FOUND"},
	{corrections.ErrNotFound, http.StatusNotFound, "Not Found", "ADJUSTMENT_NOT_FOUND"},
	{rules.ErrNotFound, http.StatusNotFound, "Not Found", "RULE_NOT_FOUND"},
	{periods.ErrPeriodExists, http.StatusConflict, "Conflict", "PERIOD_EXISTS"},
	{periods.ErrPeriodAlreadyValidated, http.StatusConflict, "Conflict", "PERIOD_ALREADY_VALIDATED"},
	{periods.ErrInvalidTransition, http.StatusConflict, "Conflict", "INVALID_TRANSITION"},
	{payrun.ErrPeriodBusy, http.StatusConflict, "Conflict", "PERIOD_BUSY"},
	{payroll.ErrDuplicateSlip, http.StatusConflict, "Conflict", "DUPLICATE_SLIP"},
	{archive.ErrAlreadyArchived, http.StatusConflict, "Conflict", "ALREADY_ARCHIVED"},
	{rules.ErrElementLocked, http.StatusConflict, "Conflict", "ELEMENT_LOCKED"},
	{corrections.ErrNothingOutstanding, http.StatusConflict, "Conflict", "NOTHING_OUTSTANDING"},
	{rules.ErrConfigurationMissing, http.StatusUnprocessableEntity, "Configuration Missing", "CONFIGURATION_MISSING"},
	{rules.ErrUnknownRubric, http.StatusUnprocessableEntity, "Unknown Rubric", "UNKNOWN_RUBRIC"},
	{payroll.ErrUnknownBaseReference, http.StatusUnprocessableEntity, "Unknown Base Reference", "UNKNOWN_BASE_REFERENCE"},
	{rules.ErrCyclicRubric, http.StatusUnprocessableEntity, "Cyclic Rubric", "CYCLIC_RUBRIC"},
	{rules.ErrOverlappingElement, http.StatusUnprocessableEntity, "Overlapping Element", "OVERLAPPING_ELEMENT"},
	{rules.ErrInvalidBrackets, http.StatusUnprocessableEntity, "Invalid Brackets", "INVALID_BRACKETS"},
	{payroll.ErrNegativeNet, http.StatusUnprocessableEntity, "Negative Net", "NEGATIVE_NET"},
	{rules.ErrInvalidInput, http.StatusBadRequest, "Validation Failed", "INVALID_INPUT"},
	{corrections.ErrInvalidInput, http.StatusBadRequest, "Validation Failed", "INVALID_INPUT"},
	{hr.ErrInvalidInput, http.StatusBadRequest, "Validation Failed", "INVALID_INPUT"},
	{corrections.ErrImbalance, http.StatusInternalServerError, "Ledger Imbalance", "CORRECTION_IMBALANCE"},
	{archive.ErrArchiveCorrupt, http.StatusInternalServerError, "Archive Corrupt", "ARCHIVE_CORRUPT"},
}

// fail writes the problem matching err, falling back to httpx.RespondError.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		httpx.ProblemCode(w, http.StatusBadRequest, "Validation Failed", verrs.Error(), "INVALID_INPUT")
		return
	}
	for _, p := range problems {
		if !errors.Is(err, p.err) {
			continue
		}
		if p.status >= http.StatusInternalServerError {
			h.logger.Error("payroll request", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.ProblemCode(w, p.status, p.title, err.Error(), p.code)
		return
	}
	if !errors.Is(err, httpx.ErrValidation) {
		h.logger.Error("payroll request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
