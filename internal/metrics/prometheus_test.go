package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(CallsInitiated)
	m.Add(SignalsQueued, 3)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`call_relay_events_total{event="calls_initiated"} 1`,
		`call_relay_events_total{event="signals_queued"} 3`,
		"# TYPE call_relay_events_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 500 {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}
