package broker

import (
	"context"
	"time"

	"notifyhub/internal/logger"
	"notifyhub/internal/notification"
	"notifyhub/internal/observability"
	"notifyhub/internal/policy"
)

// NotificationStore is the subset of C1 the dispatcher needs: look up the
// notification body and CAS its state as it moves through the pipeline.
type NotificationStore interface {
	GetNotification(ctx context.Context, id string) (*notification.Notification, error)
	TransitionState(ctx context.Context, id string, from, to notification.State, attempt *int, errMsg *string, reason string) error
}

// Dispatcher drains the main queue, applies the policy gate, and fans the
// result out onto the per-channel queues (or straight to a terminal state
// when every channel is suppressed).
type Dispatcher struct {
	topology *Topology
	store    NotificationStore
	gate     *policy.Gate
	log      *logger.Logger
	metrics  *observability.Registry
}

func NewDispatcher(topology *Topology, store NotificationStore, gate *policy.Gate, log *logger.Logger, metrics *observability.Registry) *Dispatcher {
	if log == nil {
		log = logger.New()
	}
	return &Dispatcher{topology: topology, store: store, gate: gate, log: log, metrics: metrics}
}

// Run drains the main queue until ctx is cancelled. Intended to be started
// as a goroutine by cmd/server's wiring; concurrency is controlled by how
// many Run instances are started (matching the channel workers' pattern).
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.topology.ConsumeMain(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		d.handle(ctx, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) {
	n, err := d.store.GetNotification(ctx, msg.NotificationID)
	if err != nil {
		d.log.Error("dispatcher: lookup %s failed: %v", msg.NotificationID, err)
		return
	}
	if n.State.IsTerminal() || n.State == notification.StateSending {
		return // already resolved or in flight; avoid reentrant re-dispatch
	}

	if !n.CreatedAt.IsZero() {
		d.metrics.ObserveHistogram("queue_wait_seconds", time.Since(n.CreatedAt).Seconds())
	}

	decision, err := d.gate.Evaluate(ctx, n, time.Now())
	if err != nil {
		d.log.Error("dispatcher: policy evaluation for %s failed: %v", n.ID, err)
		return
	}

	if decision.Revoked || decision.Suppressed() {
		reason := "suppressed"
		if decision.Revoked {
			reason = "recipient_revoked"
		}
		if err := d.store.TransitionState(ctx, n.ID, n.State, notification.StateSent, nil, nil, reason); err != nil {
			d.log.Error("dispatcher: suppress-transition for %s failed: %v", n.ID, err)
		}
		return
	}

	if err := d.store.TransitionState(ctx, n.ID, n.State, notification.StateQueued, nil, nil, "dispatched_to_channels"); err != nil {
		d.log.Error("dispatcher: queued-transition for %s failed: %v", n.ID, err)
		return
	}

	for _, ch := range decision.Allowed {
		d.topology.PublishChannel(ch, Message{
			NotificationID: n.ID,
			Channel:        ch,
			Priority:       n.Priority.BrokerPriority(),
			Attempt:        0,
		})
	}
	// Deferred channels are already buffered by the gate (digest/quiet-hours);
	// nothing further to publish for them here.
}
