package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribeDeliversInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStatus)
	defer sub.Unsubscribe()

	b.Publish(TopicStatus, "first")
	b.Publish(TopicStatus, "second")

	first := recv(t, sub)
	second := recv(t, sub)

	if first.Data != "first" || second.Data != "second" {
		t.Fatalf("got %v, %v; want in-order delivery", first.Data, second.Data)
	}
}

func TestSubscriptionOnlyReceivesSubscribedTopics(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStatus)
	defer sub.Unsubscribe()

	b.Publish(TopicScanStarted, 5)
	b.Publish(TopicStatus, "hello")

	ev := recv(t, sub)
	if ev.Topic != TopicStatus {
		t.Fatalf("got topic %v, want %v", ev.Topic, TopicStatus)
	}
}

func TestRingBufferReplay(t *testing.T) {
	b := New()
	for i := 0; i < 3; i++ {
		b.Publish(TopicAvrcpEvent, i)
	}
	replay := b.Replay(TopicAvrcpEvent)
	if len(replay) != 3 {
		t.Fatalf("len(replay) = %d, want 3", len(replay))
	}
	if replay[0].Data != 0 || replay[2].Data != 2 {
		t.Fatalf("replay not in publish order: %+v", replay)
	}
}

func TestRingBufferCapped(t *testing.T) {
	b := New()
	for i := 0; i < 60; i++ {
		b.Publish(TopicAvrcpEvent, i)
	}
	replay := b.Replay(TopicAvrcpEvent)
	if len(replay) != 50 {
		t.Fatalf("len(replay) = %d, want ring cap 50", len(replay))
	}
	if replay[0].Data != 10 {
		t.Fatalf("oldest retained entry = %v, want 10 (first 10 evicted)", replay[0].Data)
	}
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStatus)
	defer sub.Unsubscribe()

	// Publish well past the 64-deep bounded queue without ever draining
	// C, forcing the relay to start dropping.
	for i := 0; i < subscriberQueueCapacity+20; i++ {
		b.Publish(TopicStatus, i)
	}

	deadline := time.After(2 * time.Second)
	for sub.DroppedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected dropped_count > 0 after overflowing the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
