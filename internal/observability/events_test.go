package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventKeyRegistered, Payload: map[string]any{"key_id": "k1"}})

	select {
	case e := <-sub.C:
		require.Equal(t, EventKeyRegistered, e.Type)
		require.Equal(t, "k1", e.Payload["key_id"])
		require.False(t, e.Timestamp.IsZero(), "publish should stamp the event")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	// Second publish must not block even though nobody drains.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventRoutingDecision})
		bus.Publish(Event{Type: EventRoutingDecision})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusSubscriberCount(t *testing.T) {
	bus := NewBus()
	require.Equal(t, 0, bus.SubscriberCount())

	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Unsubscribe(a)
	bus.Unsubscribe(b)
	require.Equal(t, 0, bus.SubscriberCount())
}
