package observability

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Status is the outcome of one health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named health check's result.
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	Critical bool          `json:"critical"`
}

// Checker is one registrable health check, matching
// internal/services/health_service.go's HealthChecker contract.
type Checker interface {
	Name() string
	IsCritical() bool
	Check(ctx context.Context) Check
}

// Report is the aggregate result of every registered check.
type Report struct {
	Status Status           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// HealthService runs the registered checks concurrently and folds them
// into an overall Report, following
// internal/services/health_service.go's Check/QuickCheck shape: readiness
// runs every check, liveness runs only the critical ones.
type HealthService struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

func NewHealthService() *HealthService {
	return &HealthService{checks: make(map[string]Checker)}
}

func (h *HealthService) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[c.Name()] = c
}

// Readiness runs every registered check.
func (h *HealthService) Readiness(ctx context.Context) *Report {
	return h.run(ctx, func(Checker) bool { return true })
}

// Liveness runs only critical checks — a degraded non-critical dependency
// (e.g. a down Redis cache) should not take the process out of rotation.
func (h *HealthService) Liveness(ctx context.Context) *Report {
	return h.run(ctx, Checker.IsCritical)
}

func (h *HealthService) run(ctx context.Context, include func(Checker) bool) *Report {
	h.mu.RLock()
	selected := make([]Checker, 0, len(h.checks))
	for _, c := range h.checks {
		if include(c) {
			selected = append(selected, c)
		}
	}
	h.mu.RUnlock()

	results := make(chan Check, len(selected))
	var wg sync.WaitGroup
	for _, c := range selected {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results <- c.Check(checkCtx)
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	checks := make(map[string]Check, len(selected))
	overall := StatusHealthy
	for r := range results {
		checks[r.Name] = r
		switch r.Status {
		case StatusUnhealthy:
			if r.Critical {
				overall = StatusUnhealthy
			} else if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return &Report{Status: overall, Checks: checks}
}

// DatabaseCheck pings the SQL store.
type DatabaseCheck struct{ DB *sql.DB }

func (c *DatabaseCheck) Name() string     { return "database" }
func (c *DatabaseCheck) IsCritical() bool { return true }

func (c *DatabaseCheck) Check(ctx context.Context) Check {
	start := time.Now()
	if err := c.DB.PingContext(ctx); err != nil {
		return Check{Name: "database", Status: StatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err), Duration: time.Since(start), Critical: true}
	}
	return Check{Name: "database", Status: StatusHealthy, Duration: time.Since(start), Critical: true}
}

// RedisCheck pings the shared cache/rate-limiter Redis client. Not
// critical: template rendering and rate limiting both degrade gracefully
// (cache miss, fail-open) rather than fail outright when Redis is down.
type RedisCheck struct{ Client *redis.Client }

func (c *RedisCheck) Name() string     { return "redis" }
func (c *RedisCheck) IsCritical() bool { return false }

func (c *RedisCheck) Check(ctx context.Context) Check {
	start := time.Now()
	if c.Client == nil {
		return Check{Name: "redis", Status: StatusDegraded, Message: "no redis client configured", Duration: time.Since(start)}
	}
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return Check{Name: "redis", Status: StatusDegraded, Message: fmt.Sprintf("ping failed: %v", err), Duration: time.Since(start)}
	}
	return Check{Name: "redis", Status: StatusHealthy, Duration: time.Since(start)}
}

// BrokerDepthFunc reports the current backlog depth of the main queue,
// used by BrokerCheck to flag an overloaded dispatcher before it falls
// behind badly enough to miss delivery SLAs.
type BrokerDepthFunc func() int

// BrokerCheck reports degraded once the main queue backlog crosses a
// configured threshold.
type BrokerCheck struct {
	Depth     BrokerDepthFunc
	Threshold int
}

func (c *BrokerCheck) Name() string     { return "broker" }
func (c *BrokerCheck) IsCritical() bool { return false }

func (c *BrokerCheck) Check(ctx context.Context) Check {
	start := time.Now()
	depth := c.Depth()
	if depth > c.Threshold {
		return Check{Name: "broker", Status: StatusDegraded, Message: fmt.Sprintf("main queue backlog: %d", depth), Duration: time.Since(start)}
	}
	return Check{Name: "broker", Status: StatusHealthy, Duration: time.Since(start)}
}
