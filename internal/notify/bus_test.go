package notify

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(Event{Type: EventRegimeChange, Message: "ranging -> trending"})

	select {
	case e := <-ch:
		if e.Type != EventRegimeChange {
			t.Fatalf("type = %s", e.Type)
		}
		if e.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: EventTradeClosed})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch := bus.Subscribe()

	bus.Close()
	bus.Publish(Event{Type: EventSafetyTrip}) // no-op after close

	if _, open := <-ch; open {
		t.Fatal("subscriber channel still open after Close")
	}
}
