package payrollhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/archive"
	"github.com/gn-erp/paie/internal/corrections"
	"github.com/gn-erp/paie/internal/payroll"
	"github.com/gn-erp/paie/internal/payrun"
	"github.com/gn-erp/paie/internal/periods"
	"github.com/gn-erp/paie/internal/rules"
)

type stubAPI struct {
	createFn        func(ctx context.Context, in periods.CreateInput) (periods.Period, error)
	computePeriodFn func(ctx context.Context, periodID, actorID int64) (payrun.Result, error)
	validateFn      func(ctx context.Context, periodID, actorID int64) (payrun.ValidateResult, error)
	getFn           func(ctx context.Context, id int64) (periods.Period, error)
	slipsFn         func(ctx context.Context, periodID int64) ([]payroll.Slip, error)
	slipByTokenFn   func(ctx context.Context, token uuid.UUID) (payroll.Slip, error)
	simulateFn      func(ctx context.Context, in payroll.SimulateInput) (payroll.Slip, error)
	registerFn      func(ctx context.Context, in corrections.RegisterInput) (corrections.Adjustment, error)
	downloadFn      func(ctx context.Context, slipID int64) (archive.Document, archive.Entry, error)
	setConstantFn   func(ctx context.Context, in rules.SetConstantInput) (rules.Constant, error)
	bracketsFn      func(ctx context.Context, in rules.ReplaceBracketsInput) error
}

var errNotStubbed = errors.New("not stubbed")

func (s *stubAPI) Create(ctx context.Context, in periods.CreateInput) (periods.Period, error) {
	if s.createFn == nil {
		return periods.Period{}, errNotStubbed
	}
	return s.createFn(ctx, in)
}

func (s *stubAPI) ComputePeriod(ctx context.Context, periodID, actorID int64) (payrun.Result, error) {
	if s.computePeriodFn == nil {
		return payrun.Result{}, errNotStubbed
	}
	return s.computePeriodFn(ctx, periodID, actorID)
}

func (s *stubAPI) ComputeSlip(context.Context, int64, int64) (payroll.Slip, error) {
	return payroll.Slip{}, errNotStubbed
}

func (s *stubAPI) ValidatePeriod(ctx context.Context, periodID, actorID int64) (payrun.ValidateResult, error) {
	if s.validateFn == nil {
		return payrun.ValidateResult{}, errNotStubbed
	}
	return s.validateFn(ctx, periodID, actorID)
}

func (s *stubAPI) ClosePeriod(ctx context.Context, periodID, _ int64) (periods.Period, error) {
	return periods.Period{}, fmt.Errorf("%w: period %d", periods.ErrInvalidTransition, periodID)
}

func (s *stubAPI) MarkPaid(context.Context, int64, int64) (periods.Period, error) {
	return periods.Period{}, errNotStubbed
}

func (s *stubAPI) Get(ctx context.Context, id int64) (periods.Period, error) {
	if s.getFn == nil {
		return periods.Period{}, periods.ErrNotFound
	}
	return s.getFn(ctx, id)
}

func (s *stubAPI) List(context.Context, int64, int, int) ([]periods.Period, error) {
	return nil, nil
}

func (s *stubAPI) Slip(context.Context, int64) (payroll.Slip, error) {
	return payroll.Slip{}, payroll.ErrSlipNotFound
}

func (s *stubAPI) SlipByToken(ctx context.Context, token uuid.UUID) (payroll.Slip, error) {
	if s.slipByTokenFn == nil {
		return payroll.Slip{}, payroll.ErrSlipNotFound
	}
	return s.slipByTokenFn(ctx, token)
}

func (s *stubAPI) SlipsForPeriod(ctx context.Context, periodID int64) ([]payroll.Slip, error) {
	if s.slipsFn == nil {
		return nil, nil
	}
	return s.slipsFn(ctx, periodID)
}

func (s *stubAPI) Simulate(ctx context.Context, in payroll.SimulateInput) (payroll.Slip, error) {
	if s.simulateFn == nil {
		return payroll.Slip{}, errNotStubbed
	}
	return s.simulateFn(ctx, in)
}

func (s *stubAPI) CanonicalBracketTable(_ context.Context, _ int64, year int) ([]rules.Bracket, error) {
	upper := decimal.NewFromInt(1000000)
	return []rules.Bracket{
		{Year: year, Ordinal: 1, Lower: decimal.Zero, Upper: &upper, Rate: decimal.Zero},
		{Year: year, Ordinal: 2, Lower: upper, Rate: decimal.NewFromInt(5)},
	}, nil
}

func (s *stubAPI) RegisterRappel(ctx context.Context, in corrections.RegisterInput) (corrections.Adjustment, error) {
	if s.registerFn == nil {
		return corrections.Adjustment{}, errNotStubbed
	}
	return s.registerFn(ctx, in)
}

func (s *stubAPI) RegisterTropPercu(ctx context.Context, in corrections.RegisterInput) (corrections.Adjustment, error) {
	return s.RegisterRappel(ctx, in)
}

func (s *stubAPI) WriteOff(context.Context, corrections.WriteOffInput) (corrections.Adjustment, error) {
	return corrections.Adjustment{}, corrections.ErrNothingOutstanding
}

func (s *stubAPI) Balance(_ context.Context, employeeID int64) (corrections.Balance, error) {
	return corrections.Balance{EmployeeID: employeeID, Outstanding: decimal.NewFromInt(20000)}, nil
}

func (s *stubAPI) Download(ctx context.Context, slipID int64) (archive.Document, archive.Entry, error) {
	if s.downloadFn == nil {
		return archive.Document{}, archive.Entry{}, archive.ErrNotFound
	}
	return s.downloadFn(ctx, slipID)
}

func (s *stubAPI) SetConstant(ctx context.Context, in rules.SetConstantInput) (rules.Constant, error) {
	if s.setConstantFn == nil {
		return rules.Constant{}, errNotStubbed
	}
	return s.setConstantFn(ctx, in)
}

func (s *stubAPI) ReplaceBrackets(ctx context.Context, in rules.ReplaceBracketsInput) error {
	if s.bracketsFn == nil {
		return errNotStubbed
	}
	return s.bracketsFn(ctx, in)
}

func (s *stubAPI) UpsertRubric(context.Context, rules.RubricInput) (rules.Rubric, error) {
	return rules.Rubric{}, errNotStubbed
}

func (s *stubAPI) AddElement(context.Context, rules.ElementInput) (rules.SalaryElement, error) {
	return rules.SalaryElement{}, fmt.Errorf("%w: PRIME overlaps element 4", rules.ErrOverlappingElement)
}

func (s *stubAPI) CloseElement(context.Context, int64, int64, int64, time.Time) (rules.SalaryElement, error) {
	return rules.SalaryElement{}, errNotStubbed
}

type stubEnqueuer struct {
	computed  []int64
	validated []int64
}

func (e *stubEnqueuer) EnqueueComputePeriod(_ context.Context, periodID, _ int64) (string, error) {
	e.computed = append(e.computed, periodID)
	return fmt.Sprintf("compute-%d", periodID), nil
}

func (e *stubEnqueuer) EnqueueValidatePeriod(_ context.Context, periodID, _ int64) (string, error) {
	e.validated = append(e.validated, periodID)
	return fmt.Sprintf("validate-%d", periodID), nil
}

func newTestRouter(t *testing.T, api *stubAPI, enq Enqueuer) http.Handler {
	t.Helper()
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Payrun:      api,
		Periods:     api,
		Slips:       api,
		Simulator:   api,
		Corrections: api,
		Archive:     api,
		Rules:       api,
		Enqueuer:    enq,
	})
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestCreatePeriodUsesPathEmployerAndActor(t *testing.T) {
	var captured periods.CreateInput
	api := &stubAPI{
		createFn: func(_ context.Context, in periods.CreateInput) (periods.Period, error) {
			captured = in
			return periods.Period{
				ID:         9,
				EmployerID: in.EmployerID,
				Year:       in.Year,
				Month:      in.Month,
				StartDate:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
				EndDate:    time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
				Status:     periods.StatusOpen,
			}, nil
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodPost, "/employers/3/periods", `{"year":2025,"month":3,"working_days":22}`, ActorHeader, "17")

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, int64(3), captured.EmployerID)
	require.Equal(t, int64(17), captured.ActorID)
	require.NotNil(t, captured.WorkingDays)
	require.Equal(t, 22, *captured.WorkingDays)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, "2025-03-31", got["end_date"])
	require.Equal(t, "OPEN", got["status"])
}

func TestCreatePeriodRejectsUnknownFields(t *testing.T) {
	router := newTestRouter(t, &stubAPI{}, nil)

	rr := do(t, router, http.MethodPost, "/employers/3/periods", `{"year":2025,"month":3,"colour":"red"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	decodeProblem(t, rr)
}

func TestComputePeriodRunsInlineWithoutEnqueuer(t *testing.T) {
	api := &stubAPI{
		computePeriodFn: func(_ context.Context, periodID, actorID int64) (payrun.Result, error) {
			require.Equal(t, int64(5), periodID)
			require.Equal(t, int64(2), actorID)
			return payrun.Result{
				PeriodID: periodID,
				Created:  2,
				Errors:   []payrun.SlipError{{EmployeeID: 8, Matricule: "M008", Message: "unknown base reference"}},
			}, nil
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodPost, "/periods/5/compute", `{"async":true}`, ActorHeader, "2")

	require.Equal(t, http.StatusOK, rr.Code)
	var got payrun.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, 2, got.Created)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "M008", got.Errors[0].Matricule)
}

func TestComputePeriodEnqueuesWhenAsync(t *testing.T) {
	enq := &stubEnqueuer{}
	router := newTestRouter(t, &stubAPI{}, enq)

	rr := do(t, router, http.MethodPost, "/periods/5/compute?async=true", "")

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []int64{5}, enq.computed)
	require.Contains(t, rr.Body.String(), "compute-5")

	rr = do(t, router, http.MethodPost, "/periods/6/validate", `{"async":true}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []int64{6}, enq.validated)
}

func TestComputePeriodMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{payrun.ErrPeriodBusy, http.StatusConflict, "PERIOD_BUSY"},
		{fmt.Errorf("period 2025-03: %w", periods.ErrPeriodAlreadyValidated), http.StatusConflict, "PERIOD_ALREADY_VALIDATED"},
		{fmt.Errorf("%w: constant SMIG", rules.ErrConfigurationMissing), http.StatusUnprocessableEntity, "CONFIGURATION_MISSING"},
		{periods.ErrNotFound, http.StatusNotFound, "PERIOD_NOT_FOUND"},
	}
	for _, tc := range cases {
		api := &stubAPI{
			computePeriodFn: func(context.Context, int64, int64) (payrun.Result, error) {
				return payrun.Result{}, tc.err
			},
		}
		router := newTestRouter(t, api, nil)

		rr := do(t, router, http.MethodPost, "/periods/5/compute", "")

		require.Equal(t, tc.status, rr.Code, tc.code)
		problem := decodeProblem(t, rr)
		require.Equal(t, tc.code, problem["code"])
	}
}

func TestUnexpectedErrorHidesDetail(t *testing.T) {
	api := &stubAPI{
		computePeriodFn: func(context.Context, int64, int64) (payrun.Result, error) {
			return payrun.Result{}, errors.New("connection reset by peer")
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodPost, "/periods/5/compute", "")

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "connection reset")
}

func TestInvalidPathIDIsRejected(t *testing.T) {
	router := newTestRouter(t, &stubAPI{}, nil)

	rr := do(t, router, http.MethodGet, "/periods/abc/", "")

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransitionConflict(t *testing.T) {
	router := newTestRouter(t, &stubAPI{}, nil)

	rr := do(t, router, http.MethodPost, "/periods/5/close", "")

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "INVALID_TRANSITION", decodeProblem(t, rr)["code"])
}

func TestValidatePeriodInline(t *testing.T) {
	api := &stubAPI{
		validateFn: func(_ context.Context, periodID, _ int64) (payrun.ValidateResult, error) {
			return payrun.ValidateResult{
				Period:   periods.Period{ID: periodID, Year: 2025, Month: 3, Status: periods.StatusValidated},
				Archived: 2,
				Posted:   false,
			}, nil
		},
	}
	router := newTestRouter(t, api, &stubEnqueuer{})

	rr := do(t, router, http.MethodPost, "/periods/5/validate", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Period   periodView `json:"period"`
		Archived int        `json:"archived"`
		Posted   bool       `json:"posted"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, periods.StatusValidated, got.Period.Status)
	require.Equal(t, 2, got.Archived)
	require.False(t, got.Posted)
}

func TestSimulateDecodesInputs(t *testing.T) {
	var captured payroll.SimulateInput
	api := &stubAPI{
		simulateFn: func(_ context.Context, in payroll.SimulateInput) (payroll.Slip, error) {
			captured = in
			return payroll.Slip{
				Number:   "BP-202503-SIM",
				Year:     in.Year,
				Month:    in.Month,
				Currency: "GNF",
				Gross:    decimal.NewFromInt(1500000),
				Net:      decimal.NewFromInt(1297800),
				Lines: []payroll.Line{
					{RubricCode: "SALAIRE_BASE", Label: "Salaire de base", Kind: rules.KindGain, Amount: decimal.NewFromInt(1500000), Displayed: true},
				},
			}, nil
		},
	}
	router := newTestRouter(t, api, nil)
	body := `{
		"year": 2025, "month": 3, "category": "employe", "contract": "cdi",
		"hire_date": "2020-01-15", "base_salary": "1500000",
		"overtime": {"HS_4P": "4"},
		"extra": [{"rubric_code": "ind_transport", "amount": "100000"}]
	}`

	rr := do(t, router, http.MethodPost, "/employers/3/simulate", body)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(3), captured.EmployerID)
	require.Equal(t, "EMPLOYE", string(captured.Category))
	require.Equal(t, payroll.ContractType("CDI"), captured.Contract)
	require.NotNil(t, captured.HireDate)
	require.Equal(t, time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC), *captured.HireDate)
	require.True(t, captured.Inputs.OvertimeFirst4.Equal(decimal.NewFromInt(4)))
	require.Len(t, captured.Extra, 1)
	require.Equal(t, "IND_TRANSPORT", captured.Extra[0].RubricCode)

	var got slipView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.True(t, got.Net.Equal(decimal.NewFromInt(1297800)))
	require.Empty(t, got.AccessToken)
	require.Len(t, got.Lines, 1)
}

func TestSlipByTokenHidesToken(t *testing.T) {
	token := uuid.New()
	api := &stubAPI{
		slipByTokenFn: func(_ context.Context, got uuid.UUID) (payroll.Slip, error) {
			require.Equal(t, token, got)
			return payroll.Slip{ID: 4, Number: "BP-202503-M001", AccessToken: token, Net: decimal.NewFromInt(850000)}, nil
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodGet, "/slips/token/"+token.String(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), token.String())

	rr = do(t, router, http.MethodGet, "/slips/token/not-a-token", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDownloadArchiveFlagsCorruption(t *testing.T) {
	entry := archive.Entry{ID: 12, Hash: strings.Repeat("a", 64), Matricule: "M001", Year: 2025, Month: 3}
	api := &stubAPI{
		downloadFn: func(_ context.Context, slipID int64) (archive.Document, archive.Entry, error) {
			doc := archive.Document{ContentType: archive.ContentTypeHTML, Body: []byte("<html>bulletin</html>")}
			if slipID == 1 {
				return doc, entry, nil
			}
			return doc, entry, fmt.Errorf("%w: entry %d", archive.ErrArchiveCorrupt, entry.ID)
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodGet, "/slips/1/archive", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Header().Get(IntegrityHeader))
	require.Contains(t, rr.Header().Get("Content-Disposition"), "bulletin-202503-M001.html")
	require.Equal(t, "<html>bulletin</html>", rr.Body.String())

	rr = do(t, router, http.MethodGet, "/slips/2/archive", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "corrupt", rr.Header().Get(IntegrityHeader))
}

func TestDownloadArchiveNotFound(t *testing.T) {
	router := newTestRouter(t, &stubAPI{}, nil)

	rr := do(t, router, http.MethodGet, "/slips/7/archive", "")

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "ARCHIVE_NOT_FOUND", decodeProblem(t, rr)["code"])
}

func TestRegisterCorrection(t *testing.T) {
	api := &stubAPI{
		registerFn: func(_ context.Context, in corrections.RegisterInput) (corrections.Adjustment, error) {
			return corrections.Adjustment{
				ID:          30,
				EmployeeID:  in.EmployeeID,
				Kind:        corrections.KindOverpayment,
				Amount:      in.Amount,
				Applied:     decimal.NewFromInt(50000),
				Reason:      in.Reason,
				TargetYear:  in.TargetYear,
				TargetMonth: in.TargetMonth,
			}, nil
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodPost, "/employers/3/corrections/trop-percu",
		`{"employee_id":8,"amount":"150000","reason":"double paiement","target_year":2025,"target_month":4}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	var got adjustmentView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.True(t, got.Remaining.Equal(decimal.NewFromInt(100000)))

	rr = do(t, router, http.MethodPost, "/employers/3/corrections/30/write-off", `{"reason":"abandon"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "NOTHING_OUTSTANDING", decodeProblem(t, rr)["code"])

	rr = do(t, router, http.MethodGet, "/employees/8/corrections/balance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"outstanding":"20000"`)
}

func TestRuleAdministration(t *testing.T) {
	api := &stubAPI{
		setConstantFn: func(_ context.Context, in rules.SetConstantInput) (rules.Constant, error) {
			if in.ValidFrom.IsZero() {
				return rules.Constant{}, validator.New().Struct(in)
			}
			return rules.Constant{ID: 1, Code: in.Code, Value: in.Value, Kind: in.Kind, ValidFrom: in.ValidFrom}, nil
		},
		bracketsFn: func(_ context.Context, in rules.ReplaceBracketsInput) error {
			require.Equal(t, 2025, in.Year)
			require.Len(t, in.Brackets, 2)
			return nil
		},
	}
	router := newTestRouter(t, api, nil)

	rr := do(t, router, http.MethodPost, "/employers/3/constants", `{"code":"SMIG","value":"550000","kind":"amount","valid_from":"2025-01-01"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Contains(t, rr.Body.String(), `"valid_from":"2025-01-01"`)

	rr = do(t, router, http.MethodPost, "/employers/3/constants", `{"code":"SMIG","value":"550000","kind":"amount"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "INVALID_INPUT", decodeProblem(t, rr)["code"])

	rr = do(t, router, http.MethodPut, "/employers/3/brackets/2025",
		`{"brackets":[{"ordinal":1,"lower":"0","upper":"1000000","rate":"0"},{"ordinal":2,"lower":"1000000","rate":"5"}]}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, router, http.MethodGet, "/employers/3/brackets/2025", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"upper":null`)

	rr = do(t, router, http.MethodPost, "/employers/3/elements", `{"employee_id":8,"rubric_code":"PRIME","amount":"1000","valid_from":"2025-01-01"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "OVERLAPPING_ELEMENT", decodeProblem(t, rr)["code"])
}
