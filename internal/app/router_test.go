package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gn-erp/paie/internal/observability"
	_ "github.com/gn-erp/paie/internal/testing/guard"
)

func testRouter(probes map[string]Probe) http.Handler {
	return NewRouter(RouterParams{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:  &Config{AppEnv: "test", RateLimit: 1000, CORSOrigins: []string{"http://ui.local"}},
		Metrics: observability.NewMetrics(),
		Probes:  probes,
	})
}

func TestHealthzAndSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	testRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestReadyzReportsFailingProbe(t *testing.T) {
	router := testRouter(map[string]Probe{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.JSONEq(t, `{"postgres":"up","redis":"down"}`, rr.Body.String())
}

func TestCORSPreflightAllowsActorHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/periods/1/compute", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Actor-ID")

	rr := httptest.NewRecorder()
	testRouter(nil).ServeHTTP(rr, req)

	require.Equal(t, "http://ui.local", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-Actor-Id")
}

func TestMetricsEndpoint(t *testing.T) {
	router := testRouter(nil)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "paie_http_requests_total")
}
