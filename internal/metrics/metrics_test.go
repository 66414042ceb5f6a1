package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitRegistersMetricsHandler(t *testing.T) {
	mux := http.NewServeMux()
	Init(mux)
	PositionsTotal.Inc()
	StreamFailuresTotal.WithLabelValues("unavailable").Inc()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"ride_tracking_positions_total", "ride_tracking_stream_failures_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("missing %s in output", name)
		}
	}
}
