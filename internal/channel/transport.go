// Package channel implements the C7 channel workers: one consumer loop per
// delivery channel (EMAIL, IN_APP, PUSH, SMS), each rendering through C2,
// sending through a pluggable Transport guarded by a circuit breaker, and
// retrying/dead-lettering through the shared backoff and C1/C6 on failure.
package channel

import (
	"context"

	"notifyhub/internal/notification"
)

// Outcome classifies a transport attempt for the retry/DLQ controller.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

// Payload is what a Transport actually sends: the rendered output plus the
// addressing metadata a real gateway needs.
type Payload struct {
	Notification *notification.Notification
	Subject      string
	Body         string
}

// Transport delivers one rendered notification over a concrete medium.
type Transport interface {
	Send(ctx context.Context, payload Payload) (Outcome, error)
}
