// Package resilience provides retry, circuit-breaker and rate-limiting
// primitives. The job manager gates Submit with a per-platform circuit
// breaker and rate limiter; it does not call Retry.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// maxPlatformBackoff caps the exponential backoff Retry applies between
// attempts: past this, a flaky
// platform is better served by the circuit breaker tripping than by an
// ever-longer wait between attempts.
const maxPlatformBackoff = 60 * time.Second

// Retry executes fn with exponential backoff and full jitter. delay is
// the initial backoff; it doubles each attempt, capped at
// maxPlatformBackoff. attempts <= 0 is a no-op returning the zero value
// and a nil error.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("cyclesched")
	attemptCounter, _ := meter.Int64Counter("cyclesched_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("cyclesched_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("cyclesched_resilience_retry_fail_total")
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
		if cur > maxPlatformBackoff {
			cur = maxPlatformBackoff
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
