package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	shutdown, promHandler, tracer, err := SetupObservability(context.Background(), "")
	if err != nil {
		t.Fatalf("SetupObservability: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(MetricsAndTracingMiddleware(tracer))
	r.Get("/api/users/{email}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", promHandler)

	before := testutil.ToFloat64(RequestCounter.WithLabelValues("/api/users/{email}", http.MethodGet))
	for _, email := range []string{"a@x.com", "b@x.com"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/"+email, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	after := testutil.ToFloat64(RequestCounter.WithLabelValues("/api/users/{email}", http.MethodGet))
	if after-before != 2 {
		t.Fatalf("counter delta = %v, want 2", after-before)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
}
