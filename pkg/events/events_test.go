package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBrokerPublishSubscribe tests basic event delivery
func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(&Event{
		Type:    EventTrainComplete,
		ModelID: "m-1",
		Message: "training finished",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventTrainComplete, event.Type)
		assert.Equal(t, "m-1", event.ModelID)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

// TestBrokerMultipleSubscribers tests fan-out to every subscriber
func TestBrokerMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()

	broker.Publish(&Event{Type: EventDeployStopped, DeployID: "d-1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case event := <-sub:
			assert.Equal(t, EventDeployStopped, event.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

// TestBrokerUnsubscribe tests that unsubscribed channels are closed
func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open, "unsubscribed channel should be closed")
}

// TestBrokerFullSubscriberDoesNotBlock tests that a slow subscriber never
// stalls publishing
func TestBrokerFullSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained; its buffer will fill.
	broker.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			broker.Publish(&Event{Type: EventReportQueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
