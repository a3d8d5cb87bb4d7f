package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"time"
)

// RetryPolicy controls how adapters retry transient provider failures.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy retries rate limits and server errors three times.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	BaseDelay:    1 * time.Second,
	MaxDelay:     16 * time.Second,
	JitterFactor: 0.3,
}

// NoRetry makes a single attempt.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// backoff returns the delay before the given attempt (1-based retry count).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := time.Duration(1<<uint(shift)) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		delay += time.Duration(float64(delay) * p.JitterFactor * (cryptoRandFloat64()*2 - 1))
	}
	return delay
}

// cryptoRandFloat64 returns a random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// withRetry calls fn until it succeeds, returns a non-retryable error, or
// the attempts run out. Context errors are returned as-is.
func withRetry[T any](ctx context.Context, policy RetryPolicy, name string, fn func(context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.backoff(attempt)
			log.Printf("[%s] retrying after %v (attempt %d/%d): %v", name, delay, attempt+1, attempts, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err

		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.IsRetryable {
			return zero, err
		}
	}
	return zero, lastErr
}
