package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swarmguard/aiflow/internal/tss"
)

func TestEchoAdapterReturnsPayloadUnchanged(t *testing.T) {
	payload := map[string]any{"prompt": "hello"}
	out, err := echoAdapter(context.Background(), tss.ModelSpec{}, payload, nil)
	if err != nil {
		t.Fatalf("echoAdapter failed: %v", err)
	}
	m := out.(map[string]any)
	if m["prompt"] != "hello" {
		t.Fatalf("expected unchanged payload, got %v", out)
	}
}

func TestHTTPModelAdapterRequiresEndpoint(t *testing.T) {
	_, err := httpModelAdapter(context.Background(), tss.ModelSpec{}, nil, nil)
	if err == nil {
		t.Fatal("expected error when model spec has no endpoint")
	}
}

func TestHTTPModelAdapterForwardsAndParsesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "resnet" {
			t.Errorf("expected model name forwarded, got %v", body["model"])
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected API key forwarded as bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"label": "cat", "confidence": 0.9})
	}))
	defer srv.Close()

	spec := tss.ModelSpec{Name: "resnet", Endpoint: srv.URL, APIKey: "secret"}
	out, err := httpModelAdapter(context.Background(), spec, map[string]any{"image": "x"}, nil)
	if err != nil {
		t.Fatalf("httpModelAdapter failed: %v", err)
	}
	m := out.(map[string]any)
	if m["label"] != "cat" {
		t.Fatalf("expected parsed JSON result, got %v", out)
	}
}

func TestHTTPModelAdapterPropagatesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := httpModelAdapter(context.Background(), tss.ModelSpec{Name: "x", Endpoint: srv.URL}, nil, nil)
	if err == nil {
		t.Fatal("expected error on non-2xx model endpoint response")
	}
}

func TestScriptAdapterRejectsDisallowedCommand(t *testing.T) {
	adapter := scriptAdapter(map[string]bool{"echo": true})
	_, err := adapter(context.Background(), tss.ModelSpec{Name: "rm"}, nil, nil)
	if err == nil {
		t.Fatal("expected disallowed command to be rejected")
	}
}

func TestScriptAdapterRequiresCommandName(t *testing.T) {
	adapter := scriptAdapter(map[string]bool{"echo": true})
	_, err := adapter(context.Background(), tss.ModelSpec{}, nil, nil)
	if err == nil {
		t.Fatal("expected missing model_spec.name to be rejected")
	}
}

func TestScriptAdapterRunsAllowedCommand(t *testing.T) {
	adapter := scriptAdapter(map[string]bool{"echo": true})
	payload := map[string]any{"args": []any{`{"ok":true}`}}
	out, err := adapter(context.Background(), tss.ModelSpec{Name: "echo"}, payload, nil)
	if err != nil {
		t.Fatalf("scriptAdapter failed: %v", err)
	}
	m := out.(map[string]any)
	if m["ok"] != true {
		t.Fatalf("expected parsed stdout JSON, got %v", out)
	}
}

func TestNewAdapterTableRegistersBuiltins(t *testing.T) {
	table := NewAdapterTable(map[string]bool{"echo": true})
	for _, name := range []string{"echo", "http-model", "script"} {
		if _, ok := table[name]; !ok {
			t.Fatalf("expected builtin adapter %q to be registered", name)
		}
	}
}
