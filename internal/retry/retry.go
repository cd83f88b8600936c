// Package retry implements capped exponential backoff with jitter for the
// transient failure modes of external services.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	apperrors "kortex-backend/internal/errors"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultConfig matches the pipeline-wide defaults: three attempts, 100ms
// base, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts
// attempts. A RATE_LIMITED error's RetryAfter hint overrides the computed
// backoff when it is longer.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperrors.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.delay(attempt)
		if hint := retryAfter(lastErr); hint > delay {
			delay = hint
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c Config) delay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if backoff > float64(c.MaxDelay) {
		backoff = float64(c.MaxDelay)
	}
	// Full-jitter would reorder retries too aggressively; +/- jitterFactor is enough.
	jitter := backoff * c.JitterFactor * (2*rand.Float64() - 1)
	return time.Duration(backoff + jitter)
}

func retryAfter(err error) time.Duration {
	var e *apperrors.Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
