package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries int     // total attempts before giving up
	BaseDelay  float64 // delay unit in seconds for attempt 0
	Jitter     bool    // add a uniform [0,1) second jitter
	OnRetry    func(err error, attempt int, delay time.Duration)

	// rand returns a value in [0,1). Overridable for tests.
	rand func() float64
}

// DefaultRetryPolicy returns five attempts with a two second base delay and
// jitter enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  2.0,
		Jitter:     true,
	}
}

// Delay calculates the delay after failed attempt n (0-indexed):
// BaseDelay * 2^n seconds plus, when enabled, a jitter in [0,1) seconds.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay * math.Pow(2, float64(attempt))
	if p.Jitter {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay += r()
	}
	return time.Duration(delay * float64(time.Second))
}

// Retry executes fn with the configured retry policy. Only transient errors
// (see IsTransient) are retried; any other error is returned immediately.
// When every attempt fails transiently a *RetriesExhaustedError is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}

	return zero, &RetriesExhaustedError{Attempts: attempts, Cause: lastErr}
}
