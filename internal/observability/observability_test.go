package observability

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRegistryAggregatesCounters(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.IncCounter("notifications_sent_total", 1)
	r.IncCounter("notifications_sent_total", 2)
	r.ObserveHistogram("render_duration_seconds", 0.05)
	r.SetGauge("queue_depth", 7)

	waitForAggregation(r)

	var b strings.Builder
	r.WritePrometheus(&b)
	out := b.String()

	if !strings.Contains(out, "notifications_sent_total 3") {
		t.Fatalf("expected counter total of 3, got:\n%s", out)
	}
	if !strings.Contains(out, "queue_depth 7") {
		t.Fatalf("expected gauge value of 7, got:\n%s", out)
	}
	if !strings.Contains(out, "render_duration_seconds_count 1") {
		t.Fatalf("expected one histogram sample, got:\n%s", out)
	}
}

func waitForAggregation(r *Registry) {
	for i := 0; i < 100; i++ {
		r.mu.RLock()
		n := len(r.counters) + len(r.gauges) + len(r.histograms)
		r.mu.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeChecker struct {
	name     string
	critical bool
	status   Status
}

func (f fakeChecker) Name() string     { return f.name }
func (f fakeChecker) IsCritical() bool { return f.critical }
func (f fakeChecker) Check(ctx context.Context) Check {
	return Check{Name: f.name, Status: f.status, Critical: f.critical}
}

func TestHealthServiceLivenessOnlyRunsCriticalChecks(t *testing.T) {
	h := NewHealthService()
	h.Register(fakeChecker{name: "database", critical: true, status: StatusHealthy})
	h.Register(fakeChecker{name: "redis", critical: false, status: StatusUnhealthy})

	report := h.Liveness(context.Background())

	if _, ok := report.Checks["redis"]; ok {
		t.Fatalf("expected liveness to skip the non-critical redis check")
	}
	if report.Status != StatusHealthy {
		t.Fatalf("expected liveness to be healthy since the only critical check passed, got %s", report.Status)
	}
}

func TestHealthServiceReadinessDegradesOnNonCriticalFailure(t *testing.T) {
	h := NewHealthService()
	h.Register(fakeChecker{name: "database", critical: true, status: StatusHealthy})
	h.Register(fakeChecker{name: "redis", critical: false, status: StatusUnhealthy})

	report := h.Readiness(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("expected DEGRADED when only a non-critical check fails, got %s", report.Status)
	}
}

func TestHealthServiceReadinessUnhealthyOnCriticalFailure(t *testing.T) {
	h := NewHealthService()
	h.Register(fakeChecker{name: "database", critical: true, status: StatusUnhealthy})

	report := h.Readiness(context.Background())

	if report.Status != StatusUnhealthy {
		t.Fatalf("expected UNHEALTHY when a critical check fails, got %s", report.Status)
	}
}

func TestBrokerCheckDegradesOverThreshold(t *testing.T) {
	c := &BrokerCheck{Depth: func() int { return 500 }, Threshold: 100}
	result := c.Check(context.Background())
	if result.Status != StatusDegraded {
		t.Fatalf("expected DEGRADED over threshold, got %s", result.Status)
	}
}
