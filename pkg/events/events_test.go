package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:     EventAdvisoryRaised,
		ServerID: "srv-1",
		Message:  "score below threshold",
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventAdvisoryRaised, ev.Type)
		assert.Equal(t, "srv-1", ev.ServerID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp is filled in on publish")
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventServerDown, ServerID: "srv-1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventServerDown, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe() // never drained
	fast := broker.Subscribe()

	// Overflow the slow subscriber's buffer; the fast one must still see
	// every event that fits in its own.
	for i := 0; i < 100; i++ {
		broker.Publish(&Event{Type: EventMigrationStateChanged, PlanID: "plan-1"})
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < cap(fast) {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
	require.NotEmpty(t, slow)
}

func TestStopIdempotent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()
	broker.Stop()
}
