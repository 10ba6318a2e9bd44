package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsMiddleware_RoutePatternLabel проверяет, что лейбл path —
// шаблон маршрута, а не фактический идентификатор сервера.
func TestMetricsMiddleware_RoutePatternLabel(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware())
	r.Get("/api/client/servers/{server}/files/list", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	const pattern = "/api/client/servers/{server}/files/list"
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, pattern, "418"))

	for _, id := range []string{"0a1b2c3d", "42", "5d0e2b7a-1c2f-4a51-9d3e-8f6a7b9c0d1e"} {
		req := httptest.NewRequest(http.MethodGet, "/api/client/servers/"+id+"/files/list", http.NoBody)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, pattern, "418"))
	if after-before != 3 {
		t.Errorf("прирост счётчика = %v, ожидалось 3", after-before)
	}

	req := httptest.NewRequest(http.MethodGet, "/nowhere", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")); got < 1 {
		t.Errorf("ненайденный маршрут не учтён под лейблом unmatched")
	}
}
