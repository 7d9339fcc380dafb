package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("payroll:compute_period").End(errors.New("boom"))

	body := scrape(t, metrics)
	if !strings.Contains(body, `paie_jobs_total{job="payroll:compute_period",status="failure"} 1`) {
		t.Fatalf("expected job counter, got: %s", body)
	}
}

func TestMetricsRecordsPeriodComputation(t *testing.T) {
	metrics := NewMetrics()
	metrics.Jobs().ObservePeriod(7, 12, 1, 1500*time.Millisecond)

	body := scrape(t, metrics)
	if !strings.Contains(body, `paie_slips_computed_total{employer="7"} 12`) {
		t.Fatalf("expected slip counter, got: %s", body)
	}
	if !strings.Contains(body, `paie_slip_errors_total{employer="7"} 1`) {
		t.Fatalf("expected error counter, got: %s", body)
	}
	if !strings.Contains(body, "paie_period_compute_seconds_count 1") {
		t.Fatalf("expected duration histogram, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "paie_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "paie_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
