package objectstore

import (
	"net/http/httptest"
	"testing"
)

func TestUploadAndGetBytesRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), "http://objects.internal/objects")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	url, err := store.UploadBytes("payloads", "task-1/input.png", []byte("hello"), "image/png")
	if err != nil {
		t.Fatalf("UploadBytes failed: %v", err)
	}
	if url != "http://objects.internal/objects/payloads/task-1/input.png" {
		t.Fatalf("unexpected URL: %s", url)
	}
	data, contentType, err := store.GetBytes("payloads", "task-1/input.png")
	if err != nil {
		t.Fatalf("GetBytes failed: %v", err)
	}
	if string(data) != "hello" || contentType != "image/png" {
		t.Fatalf("unexpected content %q / %q", data, contentType)
	}
}

func TestGetBytesNotFound(t *testing.T) {
	store, _ := New(t.TempDir(), "http://objects.internal/objects")
	if _, _, err := store.GetBytes("payloads", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteObjectIsIdempotent(t *testing.T) {
	store, _ := New(t.TempDir(), "http://objects.internal/objects")
	store.UploadBytes("payloads", "obj", []byte("data"), "text/plain")
	if err := store.DeleteObject("payloads", "obj"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := store.DeleteObject("payloads", "obj"); err != nil {
		t.Fatalf("second delete on missing object should not error: %v", err)
	}
}

func TestParseURLRoundTrip(t *testing.T) {
	store, _ := New(t.TempDir(), "http://objects.internal/objects")
	url, _ := store.UploadBytes("payloads", "task-1/a/b.bin", []byte("x"), "application/octet-stream")
	bucket, name, ok := store.ParseURL(url)
	if !ok || bucket != "payloads" || name != "task-1/a/b.bin" {
		t.Fatalf("unexpected parse result: %q %q %v", bucket, name, ok)
	}
	if _, _, ok := store.ParseURL("http://somewhere-else/payloads/x"); ok {
		t.Fatal("expected foreign URL to not parse as ours")
	}
}

func TestHandlerServesAndReturns404(t *testing.T) {
	store, _ := New(t.TempDir(), "http://objects.internal/objects")
	store.UploadBytes("payloads", "a.txt", []byte("content"), "text/plain")
	handler := store.Handler()

	rw := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/payloads/a.txt", nil)
	handler.ServeHTTP(rw, req)
	if rw.Code != 200 || rw.Body.String() != "content" {
		t.Fatalf("expected 200/content, got %d/%q", rw.Code, rw.Body.String())
	}

	rw2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/payloads/missing.txt", nil)
	handler.ServeHTTP(rw2, req2)
	if rw2.Code != 404 {
		t.Fatalf("expected 404, got %d", rw2.Code)
	}
}
