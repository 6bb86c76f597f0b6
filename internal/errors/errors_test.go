package errors

import (
	"net/http"
	"testing"
)

func TestHTTPStatusKnownCode(t *testing.T) {
	if got := HTTPStatus(CodeTaskNotFound); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
}

func TestHTTPStatusUnknownCodeDefaultsTo500(t *testing.T) {
	if got := HTTPStatus(Code("E9990000")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown code, got %d", got)
	}
}

func TestMessageUnknownCode(t *testing.T) {
	if got := Message(Code("E9990000")); got != "unknown error" {
		t.Fatalf("expected fallback message, got %q", got)
	}
}

func TestNewIncludesDetails(t *testing.T) {
	err := New(CodeInvalidPayload, "missing field foo")
	if err.Code != CodeInvalidPayload {
		t.Fatalf("expected code to round-trip, got %v", err.Code)
	}
	want := "E3000011: invalid task payload: missing field foo"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestNewWithoutDetailsOmitsTrailer(t *testing.T) {
	err := New(CodeTaskNotFound, "")
	want := "E3000001: task not found"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestEveryCodeHasStatusAndMessage(t *testing.T) {
	for code := range message {
		if _, ok := httpStatus[code]; !ok {
			t.Errorf("code %v has a message but no HTTP status mapping", code)
		}
	}
	for code := range httpStatus {
		if _, ok := message[code]; !ok {
			t.Errorf("code %v has an HTTP status but no message mapping", code)
		}
	}
}
