package natsbus

import (
	"sort"
	"testing"

	nats "github.com/nats-io/nats.go"
)

func TestHeaderCarrierGetSet(t *testing.T) {
	c := headerCarrier{h: nats.Header{}}
	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected round-tripped header value, got %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Fatalf("expected empty string for missing header, got %q", got)
	}
}

func TestHeaderCarrierKeys(t *testing.T) {
	c := headerCarrier{h: nats.Header{}}
	c.Set("traceparent", "a")
	c.Set("tracestate", "b")
	keys := c.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "traceparent" || keys[1] != "tracestate" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
