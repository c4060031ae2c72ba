package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	bus.Publish(Event{Type: TypeStateChanged, OwnerID: "user-1", Message: "starting"})

	for _, sub := range []*Subscriber{a, b} {
		select {
		case ev := <-sub.C:
			if ev.Type != TypeStateChanged || ev.OwnerID != "user-1" {
				t.Errorf("unexpected event: %+v", ev)
			}
			if ev.ID == "" {
				t.Error("event ID should be assigned")
			}
			if ev.Timestamp.IsZero() {
				t.Error("event timestamp should be assigned")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: TypeSampleAccepted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	if got := len(sub.C); got != 1 {
		t.Errorf("expected exactly 1 buffered event, got %d", got)
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", bus.SubscriberCount())
	}

	// Closing twice must not panic.
	sub.Close()

	// Publishing after close must not panic either.
	bus.Publish(Event{Type: TypeError})
}
