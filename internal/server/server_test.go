package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"harborchat/internal/api"
	"harborchat/internal/objectstore"
	"harborchat/internal/observability/metrics"
	"harborchat/internal/storage"
	"harborchat/internal/uploads"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	pipeline, err := uploads.NewPipeline(uploads.PipelineConfig{
		Objects:     objectstore.NewMemoryStore("https://cdn.example.com"),
		Attachments: store,
		Now:         time.Now,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return api.NewHandler(store, pipeline), store
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestServerRoutesConversations(t *testing.T) {
	handler, store := newTestHandler(t)
	conv := store.CreateConversation("Chat", "u1", "u2")
	if _, err := store.AppendMessage(context.Background(), conv.ID, "u1", "hello"); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	srv, err := New(handler, Config{Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations?user=u2", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %q)", rec.Code, rec.Body.String())
	}
	var conversations []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &conversations); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("expected one conversation, got %d", len(conversations))
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestServerExposesHealthAndMetrics(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected metrics exposition body")
	}
}

func TestMetricsMiddlewareObservesRequests(t *testing.T) {
	t.Parallel()

	recorder := metrics.New()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	metricsMiddleware(recorder, next).ServeHTTP(httptest.NewRecorder(), req)

	counts := recorder.RequestCounts()
	if counts["GET /api/presence 418"] != 1 {
		t.Fatalf("unexpected request counts %+v", counts)
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 203.0.113.9")

	if got := extractClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected forwarded address, got %q", got)
	}
}
