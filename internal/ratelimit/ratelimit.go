// Package ratelimit is the C4 rate limiter: a token bucket per
// (principal, operation class), buckets held in a shared go-redis/redis/v8
// store so limits are enforced consistently across instances.
//
// The public interface shape (Allow/GetUsage/Reset) matches
// internal/security/manager.go's RateLimiter interface and RateLimitRule
// struct exactly; that package declares the interface and three supporting
// functions (initializeRateLimiter, findRateLimitRule, createRateLimitKey)
// that are empty stubs. This package is a real implementation of the same
// contract, scoped to this service's four operation classes instead of
// per-path rules.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"notifyhub/internal/observability"
)

// Class is an operation class bucket key component.
type Class string

const (
	ClassRead   Class = "READ"
	ClassWrite  Class = "WRITE"
	ClassAdmin  Class = "ADMIN"
	ClassPublic Class = "PUBLIC"
)

// Rule mirrors internal/security/manager.go's RateLimitRule shape, trimmed
// to the fields this service's token bucket actually consults.
type Rule struct {
	RequestsPerMinute int
	BurstSize         int
	Enabled           bool
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         int
}

// Limiter is a Redis-backed token bucket rate limiter.
type Limiter struct {
	client  *redis.Client
	rules   map[Class]Rule
	metrics *observability.Registry
}

func New(client *redis.Client, rules map[Class]Rule, metrics *observability.Registry) *Limiter {
	return &Limiter{client: client, rules: rules, metrics: metrics}
}

// excludedPrefixes bypass rate limiting entirely (health checks, docs).
var excludedPrefixes = []string{"/healthz", "/readyz", "/metrics", "/docs"}

// IsExcluded reports whether path is exempt from rate limiting.
func IsExcluded(path string) bool {
	for _, p := range excludedPrefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// Allow implements the legacy RateLimiter interface this package
// generalizes: a single-bucket check for key under the named class's rule.
// The returned bool alone matches the old signature; use AllowDecision for
// the Retry-After contract.
func (l *Limiter) Allow(key string, class Class) bool {
	d, err := l.AllowDecision(context.Background(), key, class)
	if err != nil {
		// A Redis outage fails open for Allow's narrow legacy signature,
		// since it cannot report an error; AllowDecision is the contract
		// ingress middleware actually relies on.
		return true
	}
	return d.Allowed
}

// AllowDecision performs the token-bucket check with full Retry-After
// reporting. Bucket state is a Redis key holding a counter, refilled every
// rule.RequestsPerMinute window via a TTL equal to one minute (the refill
// interval equals the expiry).
func (l *Limiter) AllowDecision(ctx context.Context, key string, class Class) (Decision, error) {
	rule, ok := l.rules[class]
	if !ok || !rule.Enabled {
		return Decision{Allowed: true}, nil
	}

	limit := rule.RequestsPerMinute + rule.BurstSize
	bucketKey := BucketKey(class, key)

	count, err := l.client.Incr(ctx, bucketKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("incr rate limit bucket: %w", err)
	}
	if count == 1 {
		l.client.Expire(ctx, bucketKey, time.Minute)
	}

	if int(count) > limit {
		ttl, err := l.client.TTL(ctx, bucketKey).Result()
		retryAfter := 60
		if err == nil && ttl > 0 {
			retryAfter = int(ttl.Seconds())
		}
		l.metrics.IncCounter("ratelimit_denied_total", 1)
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter, Remaining: 0}, nil
	}

	return Decision{Allowed: true, Remaining: limit - int(count)}, nil
}

// BucketKey builds the Redis key for a (class, principal) bucket. Callers
// of GetUsage/Reset must pass the same class-qualified key used to check
// Allow/AllowDecision.
func BucketKey(class Class, principalKey string) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, principalKey)
}

// GetUsage returns the current count in the bucket identified by a key
// previously built with BucketKey.
func (l *Limiter) GetUsage(bucketKey string) (int, error) {
	val, err := l.client.Get(context.Background(), bucketKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	_, err = fmt.Sscanf(val, "%d", &n)
	return n, err
}

// Reset clears the bucket identified by a key previously built with
// BucketKey, used by admin tooling to lift a ban.
func (l *Limiter) Reset(bucketKey string) error {
	return l.client.Del(context.Background(), bucketKey).Err()
}
