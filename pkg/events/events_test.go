package events

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/metrics"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{
		Type:         EventNodeSuspect,
		ResourceType: "node",
		ResourceID:   "node-1",
		Severity:     SeverityWarning,
		Message:      "heartbeat overdue",
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventNodeSuspect, ev.Type)
		assert.Equal(t, "node-1", ev.ResourceID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp should be stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Broker not started: nothing drains eventCh, so this exercises the
	// oldest-drop path once the buffer fills.
	done := make(chan struct{})
	go func() {
		for i := 0; i < brokerBuffer*3; i++ {
			b.Publish(&Event{Type: EventPodStatusChanged, ResourceID: "pod-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.NotZero(t, b.Dropped(), "overflow must be counted")
}

func TestDroppedEventsReachExportedCounter(t *testing.T) {
	b := NewBroker()
	before := testutil.ToFloat64(metrics.EventsDropped)

	// Broker not started: the buffer fills and every further publish
	// drops the oldest queued event.
	for i := 0; i < brokerBuffer+8; i++ {
		b.Publish(&Event{Type: EventPodStatusChanged, ResourceID: "pod-1"})
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.EventsDropped)-before, 8.0)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never read
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(&Event{Type: EventPodBound, ResourceID: "pod-1"})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < subscriberBuffer {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber starved after %d events", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}
