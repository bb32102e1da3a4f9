package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordRuns(t *testing.T) {
	m := New()
	m.ObserveRun("completed", "simulate")
	m.ObserveRun("completed", "simulate")
	m.ObserveRun("cancelled", "testnet")

	if got := testutil.ToFloat64(m.runs.WithLabelValues("completed", "simulate")); got != 2 {
		t.Fatalf("expected 2 completed runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("cancelled", "testnet")); got != 1 {
		t.Fatalf("expected 1 cancelled run, got %v", got)
	}

	m.SetBudget(300, 85, 215)
	if got := testutil.ToFloat64(m.budget.WithLabelValues("remaining")); got != 215 {
		t.Fatalf("unexpected remaining %v", got)
	}
	m.SetPendingSessions(3)
	if got := testutil.ToFloat64(m.sessions); got != 3 {
		t.Fatalf("unexpected sessions %v", got)
	}
}

func TestMetricsHTTPErrors(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/budget", http.MethodGet, http.StatusOK, 10*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/budget", http.MethodGet, http.StatusInternalServerError, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/budget", http.MethodGet)); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.httpRequests); got != 2 {
		t.Fatalf("expected two request series, got %d", got)
	}
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := New()
	m.ObserveStage("negotiate", 1500*time.Millisecond)
	m.ObserveNegotiation(3, true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`market_stage_duration_seconds_count{stage="negotiate"} 1`,
		`market_negotiation_rounds_sum{accepted="true"} 3`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %q:\n%s", want, text)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("completed", "simulate")
	m.ObserveStage("browse", time.Second)
	m.ObserveHTTPRequest("/", http.MethodGet, 200, time.Millisecond)
	m.SetBudget(1, 2, 3)
	m.SetPendingSessions(1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics, got %d", rec.Code)
	}
}
