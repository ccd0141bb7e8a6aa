// Package retry implements the single backoff/retry strategy shared by
// every channel worker, replacing what had been three incompatible retry
// strategies scattered
// across three packages: a jittered-exponential RetryManager, a naive
// linear sleep in the email service, and a per-minute linear sleep in the
// job manager. This package is that RetryManager generalized into the only
// backoff implementation in the module.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes exponential, jittered retry delays: base * factor^(attempt-1),
// capped at max, plus up to 30% jitter. attempt is 1-based.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter bool
}

// DefaultBackoff mirrors the values the original RetryManager used as
// defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1 * time.Second,
		Factor: 2.0,
		Max:    30 * time.Second,
		Jitter: true,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = 1 * time.Second
	}
	if b.Factor <= 1 {
		b.Factor = 2.0
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	return b
}

// Delay returns the delay to wait before the given attempt (1-based: the
// delay preceding the 2nd try is Delay(1)).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter {
		maxJitterNanos := int64(0.3 * delay)
		if maxJitterNanos > 0 {
			if j, err := rand.Int(rand.Reader, big.NewInt(maxJitterNanos)); err == nil {
				delay += float64(j.Int64())
			}
		}
	}

	return time.Duration(delay)
}

// Outcome classifies the result of an attempted operation for the purposes
// of the shared retry/backoff loop.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

// Func is one attempt at an operation; it classifies its own result.
type Func func(ctx context.Context) Outcome

// Result summarizes a completed Run.
type Result struct {
	Attempts int
	Outcome  Outcome
}

// Run drives fn through up to maxAttempts tries, sleeping Delay(attempt)
// between transient failures, honoring ctx cancellation. It stops
// immediately on OutcomeOK or OutcomePermanent.
func (b Backoff) Run(ctx context.Context, maxAttempts int, fn Func) Result {
	var last Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Outcome: OutcomeTransient}
		}

		last = fn(ctx)
		if last != OutcomeTransient {
			return Result{Attempts: attempt, Outcome: last}
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt, Outcome: OutcomeTransient}
			case <-time.After(b.Delay(attempt)):
			}
		}
	}
	return Result{Attempts: maxAttempts, Outcome: last}
}
