package channel

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"notifyhub/internal/apperr"
	"notifyhub/internal/broker"
	"notifyhub/internal/logger"
	"notifyhub/internal/notification"
	"notifyhub/internal/observability"
	"notifyhub/internal/render"
	"notifyhub/internal/retry"
)

// Store is the C1 surface a channel worker needs: read the notification,
// CAS its state, and record a dead letter once retries are exhausted.
type Store interface {
	GetNotification(ctx context.Context, id string) (*notification.Notification, error)
	TransitionState(ctx context.Context, id string, from, to notification.State, attempt *int, errMsg *string, reason string) error
	InsertDeadLetter(ctx context.Context, dl *notification.DeadLetter) error
}

// Worker drains one channel's queue, rendering and delivering each message
// through Transport, with a circuit breaker guarding the transport call
// (grounded on internal/integrations/manager.go's per-integration
// gobreaker.CircuitBreaker) and the shared retry.Backoff governing
// transient-failure requeues.
type Worker struct {
	channel    notification.Channel
	topology   *broker.Topology
	renderer   *render.Renderer
	transport  Transport
	store      Store
	breaker    *gobreaker.CircuitBreaker
	backoff    retry.Backoff
	maxRetries int
	log        *logger.Logger
	metrics    *observability.Registry
}

func NewWorker(ch notification.Channel, topology *broker.Topology, renderer *render.Renderer, transport Transport, store Store, maxRetries int, log *logger.Logger, metrics *observability.Registry) *Worker {
	if log == nil {
		log = logger.New()
	}
	settings := gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("channel worker %s: circuit breaker %s -> %s", name, from, to)
		},
	}
	return &Worker{
		channel:    ch,
		topology:   topology,
		renderer:   renderer,
		transport:  transport,
		store:      store,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		backoff:    retry.DefaultBackoff(),
		maxRetries: maxRetries,
		log:        log,
		metrics:    metrics,
	}
}

// Run drains this worker's channel queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg, ok := w.topology.ConsumeChannel(ctx, w.channel)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg broker.Message) {
	start := time.Now()

	n, err := w.store.GetNotification(ctx, msg.NotificationID)
	if err != nil {
		w.log.Error("%s worker: lookup %s failed: %v", w.channel, msg.NotificationID, err)
		return
	}
	if n.State.IsTerminal() {
		return
	}

	if err := w.store.TransitionState(ctx, n.ID, n.State, notification.StateSending, nil, nil, "channel_send_attempt"); err != nil {
		w.log.Error("%s worker: sending-transition for %s failed: %v", w.channel, n.ID, err)
		return
	}

	out, err := w.renderer.Render(ctx, n, w.channel)
	if err != nil {
		w.fail(ctx, n, msg, OutcomePermanentFailure, err)
		return
	}

	result, breakerErr := w.breaker.Execute(func() (interface{}, error) {
		outcome, sendErr := w.transport.Send(ctx, Payload{Notification: n, Subject: out.Subject, Body: out.Body})
		if sendErr != nil {
			return outcome, sendErr
		}
		return outcome, nil
	})

	outcome, _ := result.(Outcome)
	if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
		w.fail(ctx, n, msg, OutcomeTransientFailure, breakerErr)
		return
	}
	if breakerErr != nil {
		w.fail(ctx, n, msg, outcome, breakerErr)
		return
	}

	attempt := msg.Attempt + 1
	if err := w.store.TransitionState(ctx, n.ID, notification.StateSending, notification.StateSent, &attempt, nil, "delivered"); err != nil {
		w.log.Error("%s worker: sent-transition for %s failed: %v", w.channel, n.ID, err)
		return
	}
	w.metrics.IncCounter("notifications_sent_total", 1)
	w.metrics.ObserveHistogram("delivery_duration_seconds_"+string(w.channel), time.Since(start).Seconds())
}

func (w *Worker) fail(ctx context.Context, n *notification.Notification, msg broker.Message, outcome Outcome, cause error) {
	attempt := msg.Attempt + 1
	errMsg := cause.Error()

	permanent := outcome == OutcomePermanentFailure ||
		apperr.Is(cause, apperr.KindTemplateFatal) ||
		apperr.Is(cause, apperr.KindMissingVariable)
	exhausted := attempt >= w.maxRetries

	w.metrics.IncCounter("notifications_failed_total", 1)

	if !permanent && !exhausted {
		if err := w.store.TransitionState(ctx, n.ID, notification.StateSending, notification.StateQueued, &attempt, &errMsg, "transient_failure_retrying"); err != nil {
			w.log.Error("%s worker: retry-transition for %s failed: %v", w.channel, n.ID, err)
		}
		delay := w.backoff.Delay(attempt)
		go func() {
			select {
			case <-time.After(delay):
				w.topology.PublishChannel(w.channel, broker.Message{
					NotificationID: n.ID,
					Channel:        w.channel,
					Priority:       n.Priority.BrokerPriority(),
					Attempt:        attempt,
				})
			case <-ctx.Done():
			}
		}()
		return
	}

	if err := w.store.TransitionState(ctx, n.ID, notification.StateSending, notification.StateDead, &attempt, &errMsg, "delivery_exhausted"); err != nil {
		w.log.Error("%s worker: dead-transition for %s failed: %v", w.channel, n.ID, err)
	}

	dl := &notification.DeadLetter{
		ID:             n.ID + ":" + string(w.channel),
		NotificationID: n.ID,
		Queue:          queueNameFor(w.channel),
		FirstError:     errMsg,
		LastError:      errMsg,
		AttemptCount:   attempt,
		CreatedAt:      time.Now(),
	}
	if err := w.store.InsertDeadLetter(ctx, dl); err != nil {
		w.log.Error("%s worker: dead-letter insert for %s failed: %v", w.channel, n.ID, err)
	}
	w.metrics.IncCounter("notifications_deadlettered_total", 1)
	w.topology.PublishDLQ(w.channel, broker.Message{NotificationID: n.ID, Channel: w.channel, Attempt: attempt})
}

func queueNameFor(ch notification.Channel) string {
	switch ch {
	case notification.ChannelEmail:
		return "notifications.email"
	case notification.ChannelInApp:
		return "notifications.in_app"
	case notification.ChannelPush:
		return "notifications.push"
	case notification.ChannelSMS:
		return "notifications.sms"
	default:
		return "notifications.email"
	}
}
