// Package broker is the notification service's message topology (C6): an
// in-process stand-in for the AMQP exchange/queue/binding model, since
// nothing in this module's dependency pack carries a real AMQP client.
// Grounded on internal/jobs/job_manager.go's PriorityQueue (per-priority
// `chan *Job`, scan-in-priority-order Pop) generalized from a fixed set of
// job priorities to the 0-10 x-max-priority lane scale, and its JobManager's
// bounded-channel, context-cancellable worker-loop discipline.
package broker

import (
	"context"
	"sync"
	"time"

	"notifyhub/internal/notification"
)

// Message is one unit of work travelling through a queue: a notification
// id plus the queue-specific metadata needed to route and retry it.
type Message struct {
	NotificationID string
	Channel        notification.Channel // "" for the main/priority queues
	Priority       uint8                // 0-10, x-max-priority scale
	Attempt        int
	EnqueuedAt     time.Time
}

// QueueConfig mirrors the declared AMQP topology's per-queue settings. TTL
// and DLQ are recorded on the queue but not enforced: a message stays
// queued until consumed however long it waits, and nothing moves it to a
// dead-letter queue on expiry or rejection; messages reach a DLQ only when
// a caller publishes them there (Topology.PublishDLQ).
type QueueConfig struct {
	TTL         time.Duration
	DLQ         string
	MaxPriority uint8
	Capacity    int
}

// Queue is a single in-process priority queue: MaxPriority+1 discrete
// priority lanes (0 lowest .. MaxPriority highest; eleven with the default
// MaxPriority of 10) drained high-to-low, matching AMQP's
// x-max-priority semantics without requiring a real broker.
type Queue struct {
	name   string
	cfg    QueueConfig
	lanes  []chan Message
	closed chan struct{}
}

func newQueue(name string, cfg QueueConfig) *Queue {
	if cfg.MaxPriority == 0 {
		cfg.MaxPriority = 10
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
	lanes := make([]chan Message, cfg.MaxPriority+1)
	for i := range lanes {
		lanes[i] = make(chan Message, cfg.Capacity)
	}
	return &Queue{name: name, cfg: cfg, lanes: lanes, closed: make(chan struct{})}
}

// Publish enqueues msg onto the lane matching its priority, clamped to the
// queue's configured maximum.
func (q *Queue) Publish(msg Message) {
	p := msg.Priority
	if p > q.cfg.MaxPriority {
		p = q.cfg.MaxPriority
	}
	msg.EnqueuedAt = time.Now()
	select {
	case q.lanes[p] <- msg:
	case <-q.closed:
	}
}

// Consume blocks until a message is available (checked highest-priority
// lane first), ctx is cancelled, or the queue is closed. The ok return is
// false only when ctx/close ends the wait with nothing delivered.
func (q *Queue) Consume(ctx context.Context) (Message, bool) {
	for {
		if msg, ok := q.tryConsume(); ok {
			return msg, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.closed:
			return Message{}, false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// tryConsume does one non-blocking, highest-priority-first scan of q's
// lanes, returning immediately with ok=false if every lane is empty.
func (q *Queue) tryConsume() (Message, bool) {
	for p := len(q.lanes) - 1; p >= 0; p-- {
		select {
		case msg := <-q.lanes[p]:
			return msg, true
		default:
		}
	}
	return Message{}, false
}

// Topology owns the declared queues (main, per-channel, and their dead
// letter companions) and routes published messages to the right lane.
type Topology struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewTopology declares the queue set the dispatcher and channel workers
// consume from: the default ingress queue, a distinct priority lane for
// HIGH-and-above notifications, one queue per delivery channel, and a
// ".dlq" companion for each.
func NewTopology(cfg QueueConfig) *Topology {
	t := &Topology{queues: make(map[string]*Queue)}
	names := []string{
		"notifications",
		"notifications.priority",
		"notifications.email",
		"notifications.in_app",
		"notifications.push",
		"notifications.sms",
	}
	for _, n := range names {
		qCfg := cfg
		qCfg.DLQ = n + ".dlq"
		t.queues[n] = newQueue(n, qCfg)
		t.queues[qCfg.DLQ] = newQueue(qCfg.DLQ, QueueConfig{MaxPriority: cfg.MaxPriority, Capacity: cfg.Capacity})
	}
	return t
}

func (t *Topology) queue(name string) *Queue {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queues[name]
}

// priorityLaneThreshold is the broker-priority value at/above which a
// message is routed onto the distinct "notifications.priority" queue
// instead of the default ingress queue, matching
// notification.Priority.IsPriorityLane's HIGH-and-above cutoff.
const priorityLaneThreshold = 6

// PublishMain enqueues a freshly ingested notification onto the default
// ingress queue, or the distinct priority lane when msg.Priority is
// HIGH-and-above, for the dispatcher to fan out per-channel.
func (t *Topology) PublishMain(msg Message) {
	if msg.Priority >= priorityLaneThreshold {
		t.queue("notifications.priority").Publish(msg)
		return
	}
	t.queue("notifications").Publish(msg)
}

// PublishChannel enqueues a rendered, gate-approved delivery onto the
// named channel's queue.
func (t *Topology) PublishChannel(ch notification.Channel, msg Message) {
	t.queue(channelQueueName(ch)).Publish(msg)
}

// PublishDLQ routes msg onto the dead-letter companion of the given
// channel queue, for a worker that has exhausted its retries.
func (t *Topology) PublishDLQ(ch notification.Channel, msg Message) {
	t.queue(channelQueueName(ch) + ".dlq").Publish(msg)
}

// ConsumeMain blocks for the next ingress message, always preferring the
// priority lane over the default queue (priority is scheduled ahead of
// non-priority, never strictly preemptive of an in-flight consume).
func (t *Topology) ConsumeMain(ctx context.Context) (Message, bool) {
	priority := t.queue("notifications.priority")
	main := t.queue("notifications")

	for {
		if msg, ok := priority.tryConsume(); ok {
			return msg, true
		}
		if msg, ok := main.tryConsume(); ok {
			return msg, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-priority.closed:
			return Message{}, false
		case <-main.closed:
			return Message{}, false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ConsumeChannel blocks for the next message on a channel's queue.
func (t *Topology) ConsumeChannel(ctx context.Context, ch notification.Channel) (Message, bool) {
	return t.queue(channelQueueName(ch)).Consume(ctx)
}

func channelQueueName(ch notification.Channel) string {
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
