// Package resilience provides the retry and circuit-breaking primitives used
// by every outbound call in the data plane: submitter callbacks, internal
// callbacks, dispatcher-to-worker forwards, and registry probes.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay is the initial backoff; it doubles each attempt until attempts are
// exhausted, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("aiflow")
	attemptCounter, _ := meter.Int64Counter("aiflow_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("aiflow_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("aiflow_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// FixedBackoff runs fn up to attempts times, sleeping the matching entry of
// schedule between attempts (or the last entry if schedule is shorter than
// attempts). This grounds the spec's literal "2s/4s/8s" callback retry policy,
// which is a fixed schedule rather than a doubling one.
func FixedBackoff(ctx context.Context, attempts int, schedule []time.Duration, fn func(attempt int) (bool, error)) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		ok, err := fn(attempt)
		if ok {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		wait := schedule[len(schedule)-1]
		if attempt < len(schedule) {
			wait = schedule[attempt]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
