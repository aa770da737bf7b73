package sync

import (
	"context"
	"testing"
	"time"
)

func mustReceive(t *testing.T, stream <-chan Notification) Notification {
	t.Helper()
	select {
	case notification := <-stream:
		return notification
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return Notification{}
	}
}

func assertNoNotification(t *testing.T, stream <-chan Notification) {
	t.Helper()
	select {
	case notification := <-stream:
		t.Fatalf("unexpected notification for %s", notification.Table)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesTableSubscriber(t *testing.T) {
	notifier := NewNotifier()
	stream, cancel := notifier.Subscribe(context.Background(), "channels_messages")
	defer cancel()

	notifier.Publish(Notification{Table: "channels_messages", Key: []any{"m1"}, Op: OpInsert})

	notification := mustReceive(t, stream)
	if notification.Table != "channels_messages" || notification.Op != OpInsert {
		t.Fatalf("unexpected notification %+v", notification)
	}
}

func TestSubscribersAreIsolatedByTable(t *testing.T) {
	notifier := NewNotifier()
	messages, cancelMessages := notifier.Subscribe(context.Background(), "channels_messages")
	defer cancelMessages()
	activity, cancelActivity := notifier.Subscribe(context.Background(), "channels_activity")
	defer cancelActivity()

	notifier.Publish(Notification{Table: "channels_activity", Key: []any{"alice"}, Op: OpUpdate})

	if got := mustReceive(t, activity); got.Table != "channels_activity" {
		t.Fatalf("unexpected table %q", got.Table)
	}
	assertNoNotification(t, messages)
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	notifier := NewNotifier()
	stream, cancel := notifier.Subscribe(context.Background(), "channels_messages")
	cancel()

	notifier.Publish(Notification{Table: "channels_messages", Key: []any{"m1"}, Op: OpInsert})
	assertNoNotification(t, stream)
}

func TestContextEndUnregistersSubscriber(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := notifier.Subscribe(ctx, "channels_messages")
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		notifier.mu.RLock()
		remaining := len(notifier.subscribers["channels_messages"])
		notifier.mu.RUnlock()
		if remaining == 0 {
			assertNoNotification(t, stream)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber was not unregistered after context end")
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	notifier := NewNotifier()
	stream, cancel := notifier.Subscribe(context.Background(), "channels_messages")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			notifier.Publish(Notification{Table: "channels_messages", Key: []any{"m1"}, Op: OpUpdate})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if len(stream) == 0 {
		t.Fatal("expected at least the buffered notifications to be delivered")
	}
}
