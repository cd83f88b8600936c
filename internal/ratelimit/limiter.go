// Package ratelimit gates outbound API calls with per-bucket token buckets.
// One bucket exists per external API family ("drive", "gmail", ...); callers
// block cooperatively while a bucket's one-second window is saturated.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	apperrors "kortex-backend/internal/errors"
)

// Limiter is a process-wide registry of per-bucket rate limiters.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*rate.Limiter
	defaultRate int
	overrides   map[string]int
}

// NewLimiter creates a limiter admitting ratePerSecond operations per bucket.
// Per-bucket overrides can be supplied for APIs with different quotas.
func NewLimiter(ratePerSecond int, overrides map[string]int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	return &Limiter{
		buckets:     make(map[string]*rate.Limiter),
		defaultRate: ratePerSecond,
		overrides:   overrides,
	}
}

// Wait blocks until the bucket admits one operation or ctx is done.
func (l *Limiter) Wait(ctx context.Context, bucket string) error {
	if err := l.bucketFor(bucket).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Wrap(apperrors.KindRateLimited, "ratelimit.Wait", err).WithResource(bucket)
	}
	return nil
}

// Allow reports whether one operation may proceed right now, without blocking.
func (l *Limiter) Allow(bucket string) bool {
	return l.bucketFor(bucket).Allow()
}

// SetDefaultRate changes the admission rate for existing and future buckets
// that have no override. Used by config hot reload.
func (l *Limiter) SetDefaultRate(ratePerSecond int) {
	if ratePerSecond <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultRate = ratePerSecond
	for name, b := range l.buckets {
		if override, ok := l.overrides[name]; ok && override > 0 {
			continue
		}
		b.SetLimit(rate.Limit(ratePerSecond))
		b.SetBurst(ratePerSecond)
	}
}

func (l *Limiter) bucketFor(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[name]; ok {
		return b
	}
	r := l.defaultRate
	if override, ok := l.overrides[name]; ok && override > 0 {
		r = override
	}
	// Burst equals the per-second rate: a full window may be consumed at once,
	// then callers queue.
	b := rate.NewLimiter(rate.Limit(r), r)
	l.buckets[name] = b
	return b
}
