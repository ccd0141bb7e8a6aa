package broker

import (
	"context"
	"testing"
	"time"

	"notifyhub/internal/notification"
)

func TestTopologyConsumeMainRespectsPriority(t *testing.T) {
	topo := NewTopology(QueueConfig{MaxPriority: 10, Capacity: 10})
	topo.PublishMain(Message{NotificationID: "low", Priority: 1})
	topo.PublishMain(Message{NotificationID: "high", Priority: 9})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := topo.ConsumeMain(ctx)
	if !ok || msg.NotificationID != "high" {
		t.Fatalf("expected the higher-priority message first, got %+v ok=%v", msg, ok)
	}
	msg, ok = topo.ConsumeMain(ctx)
	if !ok || msg.NotificationID != "low" {
		t.Fatalf("expected the lower-priority message second, got %+v ok=%v", msg, ok)
	}
}

func TestTopologyChannelAndDLQRouting(t *testing.T) {
	topo := NewTopology(QueueConfig{MaxPriority: 10, Capacity: 10})
	topo.PublishChannel(notification.ChannelEmail, Message{NotificationID: "n1", Channel: notification.ChannelEmail})
	topo.PublishDLQ(notification.ChannelEmail, Message{NotificationID: "n1", Channel: notification.ChannelEmail})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if msg, ok := topo.ConsumeChannel(ctx, notification.ChannelEmail); !ok || msg.NotificationID != "n1" {
		t.Fatalf("expected n1 on the email queue, got %+v ok=%v", msg, ok)
	}

	dlq := topo.queue("notifications.email.dlq")
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if msg, ok := dlq.Consume(ctx2); !ok || msg.NotificationID != "n1" {
		t.Fatalf("expected n1 on the email DLQ, got %+v ok=%v", msg, ok)
	}
}

func TestConsumeMainReturnsFalseOnCancel(t *testing.T) {
	topo := NewTopology(QueueConfig{MaxPriority: 10, Capacity: 10})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := topo.ConsumeMain(ctx); ok {
		t.Fatalf("expected no message and ok=false on an empty, cancelled queue")
	}
}
