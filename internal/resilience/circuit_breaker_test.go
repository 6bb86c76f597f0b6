package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 200*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed (attempt %d)", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatal("should be open and deny after threshold breaches")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 100*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	time.Sleep(150 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("half-open probe should be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatal("second half-open probe should be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatal("breaker should be closed after enough successful probes")
	}
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, time.Second, 2)
	want := errors.New("boom")
	for i := 0; i < 4; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return want })
		if !errors.Is(err, want) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerPoolReusesBreaker(t *testing.T) {
	pool := NewCircuitBreakerPool(func() *CircuitBreaker {
		return NewCircuitBreaker(time.Second, 2, 2, 0.5, time.Second, 1)
	})
	a := pool.Get("worker-1")
	b := pool.Get("worker-1")
	if a != b {
		t.Fatal("expected the same breaker instance for the same key")
	}
	c := pool.Get("worker-2")
	if a == c {
		t.Fatal("expected a distinct breaker instance for a different key")
	}
}
