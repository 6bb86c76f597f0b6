package worker

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestWorker() *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapters := AdapterTable{"echo": echoAdapter}
	return New(adapters, logger, nil)
}

func TestHandlerHealthAndStatus(t *testing.T) {
	w := newTestWorker()
	handler := w.Handler()

	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rw.Code)
	}

	rw2 := httptest.NewRecorder()
	handler.ServeHTTP(rw2, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status Status
	json.Unmarshal(rw2.Body.Bytes(), &status)
	if status.Busy {
		t.Fatal("expected idle worker to report busy=false")
	}
}

func TestHandlerSupportedTasks(t *testing.T) {
	w := newTestWorker()
	rw := httptest.NewRecorder()
	w.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/v1/supported-tasks", nil))
	var body map[string]any
	json.Unmarshal(rw.Body.Bytes(), &body)
	types, ok := body["task_types"].([]any)
	if !ok || len(types) != 1 || types[0] != "echo" {
		t.Fatalf("unexpected supported tasks response: %v", body)
	}
}

func TestHandlerTasksRejectsMissingCallback(t *testing.T) {
	w := newTestWorker()
	body := `{"task_id":"t1","task_type":"echo","payload":{}}`
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(body))
	w.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing callback, got %d", rw.Code)
	}
}

func TestHandlerTasksAcceptsAndRejectsWhenBusy(t *testing.T) {
	w := newTestWorker()
	body := `{"task_id":"t1","task_type":"echo","model_spec":{"name":"echo"},"payload":{},"callback":{"url":"http://example.invalid/cb"}}`

	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(body))
	w.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusAccepted {
		t.Fatalf("expected 202 accepted, got %d: %s", rw.Code, rw.Body.String())
	}

	body2 := `{"task_id":"t2","task_type":"echo","model_spec":{"name":"echo"},"payload":{},"callback":{"url":"http://example.invalid/cb"}}`
	rw2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(body2))
	w.Handler().ServeHTTP(rw2, req2)
	if rw2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while busy, got %d", rw2.Code)
	}
}

func TestHandlerTasksMethodNotAllowed(t *testing.T) {
	w := newTestWorker()
	rw := httptest.NewRecorder()
	w.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
}

func TestShutdownReturnsImmediatelyWhenIdle(t *testing.T) {
	w := newTestWorker()
	start := time.Now()
	w.Shutdown(2 * time.Second)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("expected Shutdown to return immediately for an idle worker")
	}
}

func TestDiscoverExternalAddressFallsBackGracefully(t *testing.T) {
	addr := DiscoverExternalAddress("127.0.0.1")
	if addr == "" {
		t.Fatal("expected a non-empty address")
	}
}
