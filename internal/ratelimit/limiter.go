package ratelimit

import (
	"context"
	"fmt"
	"time"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/util"

	"go.uber.org/zap"
)

// CounterStore is the atomic counter backend. IncrementWithTTL must perform
// the increment and expiry as one operation; a read-then-write implementation
// would lose updates under concurrent callers and break the limiter's
// guarantee.
type CounterStore interface {
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Decision is the outcome of a CheckAndConsume call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Count      int64
}

// Limiter counts attempts in fixed windows. Keys are scope plus the window
// start, so a new window begins at zero without any cleanup; stale buckets
// expire via TTL.
type Limiter struct {
	store      CounterStore
	buckets    *bucketing.BucketingManager
	failClosed bool
	now        func() time.Time
}

func NewLimiter(store CounterStore, buckets *bucketing.BucketingManager, failClosed bool) *Limiter {
	return &Limiter{
		store:      store,
		buckets:    buckets,
		failClosed: failClosed,
		now:        time.Now,
	}
}

// Scope composes a rate-limit scope key, e.g. Scope("otp:req", "ip", addr).
func Scope(operation, dimension, value string) string {
	return fmt.Sprintf("%s:%s:%s", operation, dimension, value)
}

// CheckAndConsume atomically counts this attempt against the scope's current
// window. The first `limit` attempts in a window are allowed; every further
// attempt is blocked and told when the window rolls over. The blocked attempt
// is still counted, never silently dropped.
//
// On a store error the limiter applies its failure policy: fail-closed
// returns Blocked (the safe default for OTP and claim scopes), fail-open lets
// the attempt through.
func (l *Limiter) CheckAndConsume(ctx context.Context, scopeKey string, limit int, window time.Duration) (Decision, error) {
	now := l.now()
	windowSeconds := int64(window / time.Second)
	if windowSeconds < 1 {
		// A window under one second would truncate to zero.
		windowSeconds = 1
		window = time.Second
	}
	bucket := l.buckets.TimeBucket(now, windowSeconds)
	key := fmt.Sprintf("rl:%s:%d", scopeKey, bucket)

	count, err := l.store.IncrementWithTTL(ctx, key, window)
	if err != nil {
		util.Error("Rate limit store unavailable",
			zap.String("scope", scopeKey),
			zap.Bool("fail_closed", l.failClosed),
			zap.Error(err))
		if l.failClosed {
			return Decision{Allowed: false, RetryAfter: window}, err
		}
		return Decision{Allowed: true}, err
	}

	if count <= int64(limit) {
		return Decision{Allowed: true, Count: count}, nil
	}

	retryAfter := l.retryAfter(ctx, key, bucket, windowSeconds, now)
	util.Debug("Rate limit exceeded",
		zap.String("scope", scopeKey),
		zap.Int64("count", count),
		zap.Int("limit", limit),
		zap.Duration("retry_after", retryAfter))

	return Decision{Allowed: false, RetryAfter: retryAfter, Count: count}, nil
}

func (l *Limiter) retryAfter(ctx context.Context, key string, bucket, windowSeconds int64, now time.Time) time.Duration {
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		return ttl
	}
	// Fall back to the window boundary when the TTL is unreadable.
	remaining := time.Duration(bucket+windowSeconds-now.Unix()) * time.Second
	if remaining <= 0 {
		remaining = time.Second
	}
	return remaining
}
