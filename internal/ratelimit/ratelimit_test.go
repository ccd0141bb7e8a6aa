package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"notifyhub/internal/observability"
)

func newTestLimiter(t *testing.T, rules map[Class]Rule) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return New(client, rules, nil), server
}

func TestAllowDecisionWithinLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Rule{
		ClassWrite: {RequestsPerMinute: 5, BurstSize: 0, Enabled: true},
	})

	d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected first request allowed")
	}
	if d.Remaining != 4 {
		t.Fatalf("expected 4 remaining, got %d", d.Remaining)
	}
}

func TestAllowDecisionBreachReturnsRetryAfter(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Rule{
		ClassWrite: {RequestsPerMinute: 2, BurstSize: 0, Enabled: true},
	})

	for i := 0; i < 2; i++ {
		d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite)
		if err != nil || !d.Allowed {
			t.Fatalf("expected request %d allowed, got %+v err=%v", i, d, err)
		}
	}

	d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected breach on third request over a limit of 2")
	}
	if d.RetryAfterSeconds <= 0 {
		t.Fatalf("expected a positive Retry-After, got %d", d.RetryAfterSeconds)
	}
}

func TestAllowDecisionBucketsArePerPrincipal(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Rule{
		ClassWrite: {RequestsPerMinute: 1, BurstSize: 0, Enabled: true},
	})

	if d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite); err != nil || !d.Allowed {
		t.Fatalf("user-1 first request should be allowed: %+v err=%v", d, err)
	}
	if d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite); err != nil || d.Allowed {
		t.Fatalf("user-1 second request should breach: %+v err=%v", d, err)
	}
	if d, err := limiter.AllowDecision(context.Background(), "user-2", ClassWrite); err != nil || !d.Allowed {
		t.Fatalf("user-2 should have its own bucket and be allowed: %+v err=%v", d, err)
	}
}

func TestAllowDecisionBreachRecordsDeniedMetric(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	metrics := observability.NewRegistry()
	defer metrics.Close()
	limiter := New(client, map[Class]Rule{
		ClassWrite: {RequestsPerMinute: 1, BurstSize: 0, Enabled: true},
	}, metrics)

	if d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite); err != nil || !d.Allowed {
		t.Fatalf("first request should be allowed: %+v err=%v", d, err)
	}
	if d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite); err != nil || d.Allowed {
		t.Fatalf("second request should breach: %+v err=%v", d, err)
	}

	var out strings.Builder
	for i := 0; i < 100; i++ {
		out.Reset()
		metrics.WritePrometheus(&out)
		if strings.Contains(out.String(), "ratelimit_denied_total") {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(out.String(), "ratelimit_denied_total 1") {
		t.Fatalf("expected ratelimit_denied_total to be recorded, got:\n%s", out.String())
	}
}

func TestAllowDecisionDisabledRuleAlwaysAllows(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Rule{
		ClassWrite: {RequestsPerMinute: 0, BurstSize: 0, Enabled: false},
	})

	for i := 0; i < 10; i++ {
		d, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite)
		if err != nil || !d.Allowed {
			t.Fatalf("expected disabled rule to always allow, got %+v err=%v", d, err)
		}
	}
}

func TestGetUsageAndReset(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Rule{
		ClassWrite: {RequestsPerMinute: 5, BurstSize: 0, Enabled: true},
	})

	key := BucketKey(ClassWrite, "user-1")
	if _, err := limiter.AllowDecision(context.Background(), "user-1", ClassWrite); err != nil {
		t.Fatalf("allow: %v", err)
	}

	usage, err := limiter.GetUsage(key)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage != 1 {
		t.Fatalf("expected usage 1, got %d", usage)
	}

	if err := limiter.Reset(key); err != nil {
		t.Fatalf("reset: %v", err)
	}
	usage, err = limiter.GetUsage(key)
	if err != nil {
		t.Fatalf("get usage after reset: %v", err)
	}
	if usage != 0 {
		t.Fatalf("expected usage 0 after reset, got %d", usage)
	}
}

func TestIsExcludedPaths(t *testing.T) {
	cases := map[string]bool{
		"/healthz":           true,
		"/readyz":            true,
		"/metrics":           true,
		"/docs/index.html":   true,
		"/api/notifications": false,
	}
	for path, want := range cases {
		if got := IsExcluded(path); got != want {
			t.Errorf("IsExcluded(%q) = %v, want %v", path, got, want)
		}
	}
}
