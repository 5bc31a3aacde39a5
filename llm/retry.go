package llm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds repeated attempts of a model call with exponential
// backoff. MaxAttempts counts the initial call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	OnRetry     func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy is the loop's default model retry behavior: up to three
// attempts with exponential backoff and jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// delay computes the backoff before retry n (0-indexed).
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := float64(p.BaseDelay)
	if base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := base * math.Pow(mult, float64(attempt))
	if max := float64(p.MaxDelay); max > 0 && d > max {
		d = max
	}
	if p.Jitter {
		// +/- 50%
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Do runs fn under the policy. Only retryable errors (per IsRetryable) are
// retried; terminal errors and context cancellation return immediately.
func Do[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	result, err := fn(ctx)
	for attempt := 1; attempt < attempts && err != nil; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}
		delay := policy.delay(attempt - 1)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, delay)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		result, err = fn(ctx)
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}
