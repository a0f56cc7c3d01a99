// Package retry wraps idempotent operations in bounded exponential backoff
// gated by an error classifier.
package retry

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"aperio/internal/apperr"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy matches the store-read retry budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Do runs op until it succeeds, the error is non-retryable, the attempt
// budget is spent, or ctx is cancelled during backoff. The last error is
// returned unchanged.
func Do[T any](ctx context.Context, policy Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var lastErr error
	var zero T

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry", "operation", name, "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			slog.Debug("Operation failed with non-retryable error", "operation", name, "error", err)
			return zero, err
		}

		if attempt < policy.MaxAttempts {
			delay := backoffDelay(attempt, policy)
			slog.Warn("Operation failed, retrying",
				"operation", name, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, lastErr
			}
		} else {
			slog.Warn("Operation failed on final attempt",
				"operation", name, "attempt", attempt, "error", err)
		}
	}

	return zero, lastErr
}

func backoffDelay(attempt int, policy Policy) time.Duration {
	delay := float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	return time.Duration(math.Min(delay, float64(policy.MaxDelay)))
}

// IsRetryable classifies an error by kind and message substrings. The
// substring sets are a hard compatibility contract; do not edit them
// without updating the classifier table tests.
func IsRetryable(err error) bool {
	msg := strings.ToLower(apperr.MessageOf(err))

	switch apperr.KindOf(err) {
	case apperr.Timeout:
		return true
	case apperr.Download:
		return containsAny(msg,
			"timeout", "connection", "network", "temporary", "unavailable",
			"reset", "refused", "502", "503", "504", "429")
	case apperr.Processing:
		return containsAny(msg,
			"resource temporarily unavailable", "device busy", "temporary failure", "disk full")
	case apperr.Internal:
		return strings.Contains(msg, "database") &&
			containsAny(msg, "busy", "locked", "connection")
	default:
		// Storage, BadRequest and NotFound are never retried.
		return false
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
