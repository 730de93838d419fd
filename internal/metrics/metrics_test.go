package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/history/{table}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/history/{table}", "418")
	before := testutil.ToFloat64(counter)

	for _, table := range []string{"page_views", "orders"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/history/"+table, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("requests counted under the pattern = %v, want 2", got)
	}
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/plain", "200")
	before := testutil.ToFloat64(counter)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestPush(t *testing.T) {
	if err := Push(context.Background(), "", "partadvisor"); err != nil {
		t.Fatalf("empty url must be a no-op, got %v", err)
	}

	var mu sync.Mutex
	var paths []string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	RunsTotal.WithLabelValues("recommended").Inc()
	if err := Push(context.Background(), gw.URL, "partadvisor"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || !strings.HasPrefix(paths[0], "PUT /metrics/job/partadvisor") {
		t.Errorf("unexpected pushgateway calls: %v", paths)
	}
}

func TestPush_Failure(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer gw.Close()

	err := Push(context.Background(), gw.URL, "partadvisor")
	if err == nil || !strings.Contains(err.Error(), "push to") {
		t.Errorf("expected push error, got %v", err)
	}
}
