package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// DefaultTimeout bounds a single resource operation including retries.
const DefaultTimeout = 30 * time.Minute

// RetryPolicy controls retry behavior for provider calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 retries with
// exponential backoff from 1s capped at 30s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryWithBackoff runs fn, retrying on errors shouldRetry accepts.
// Handlers are idempotent so a retried call converges instead of
// duplicating remote objects.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// backoffDelay computes the exponential backoff with jitter for the
// given attempt number.
func backoffDelay(policy *RetryPolicy, attempt int) time.Duration {
	backoff := float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if backoff > float64(policy.MaxDelay) {
		backoff = float64(policy.MaxDelay)
	}
	// jitter: random between 0 and a quarter of the backoff
	jitter := backoff * 0.25 * rand.Float64()
	return time.Duration(backoff + jitter)
}

// IsTransientError reports whether an error looks transient and is
// worth retrying. Typed errors such as conflicts and kind mismatches
// never match.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if IsConflict(err) || IsKindMismatch(err) || IsNotFound(err) {
		return false
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"throttl",
		"rate exceeded",
		"too many requests",
		"request limit",
		"service unavailable",
		"internal server error",
		"connection reset",
		"connection refused",
		"timeout",
		"tls handshake",
		"i/o timeout",
		"temporary failure",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
