package broker

import (
	"context"
	"fmt"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
	"notifyhub/internal/store"
)

// DeadLetterStore is the C1 surface the controller needs.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, queue string, page store.Page) ([]*notification.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*notification.DeadLetter, error)
	PurgeDeadLetter(ctx context.Context, id string) error
	GetNotification(ctx context.Context, id string) (*notification.Notification, error)
	TransitionState(ctx context.Context, id string, from, to notification.State, attempt *int, errMsg *string, reason string) error
}

// DLQController implements the admin-facing retry/DLQ operations (C8):
// list, replay and purge dead-lettered deliveries.
type DLQController struct {
	store    DeadLetterStore
	topology *Topology
}

func NewDLQController(store DeadLetterStore, topology *Topology) *DLQController {
	return &DLQController{store: store, topology: topology}
}

// List returns a page of dead letters for the named queue ("" for all).
func (c *DLQController) List(ctx context.Context, queue string, page store.Page) ([]*notification.DeadLetter, error) {
	return c.store.ListDeadLetters(ctx, queue, page)
}

// Replay resubmits a dead letter's notification onto its original channel
// queue at attempt 0, giving it a fresh retry budget, then purges the
// dead-letter record. The notification itself is moved back to QUEUED so
// the channel worker's CAS transition succeeds.
func (c *DLQController) Replay(ctx context.Context, id string) error {
	dl, err := c.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	n, err := c.store.GetNotification(ctx, dl.NotificationID)
	if err != nil {
		return err
	}

	ch := channelFromQueueName(dl.Queue)
	if err := c.store.TransitionState(ctx, n.ID, n.State, notification.StateQueued, nil, nil, "dlq_replay"); err != nil {
		return apperr.Internal(fmt.Errorf("replay requeue transition: %w", err))
	}

	c.topology.PublishChannel(ch, Message{
		NotificationID: n.ID,
		Channel:        ch,
		Priority:       n.Priority.BrokerPriority(),
		Attempt:        0,
	})

	return c.store.PurgeDeadLetter(ctx, id)
}

// Purge discards a dead letter permanently without replay.
func (c *DLQController) Purge(ctx context.Context, id string) error {
	return c.store.PurgeDeadLetter(ctx, id)
}

func channelFromQueueName(queue string) notification.Channel {
	switch {
	case len(queue) == 0:
		return notification.ChannelEmail
	default:
		base := queue
		if idx := len(base) - len(".dlq"); idx > 0 && base[idx:] == ".dlq" {
			base = base[:idx]
		}
		switch base {
		case "notifications.email":
			return notification.ChannelEmail
		case "notifications.in_app":
			return notification.ChannelInApp
		case "notifications.push":
			return notification.ChannelPush
		case "notifications.sms":
			return notification.ChannelSMS
		default:
			return notification.ChannelEmail
		}
	}
}
