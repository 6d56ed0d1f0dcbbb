package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/packdock/stevedore/pkg/metrics"
)

// EventType identifies what happened.
type EventType string

const (
	EventNodeRegistered    EventType = "node.registered"
	EventNodeSuspect       EventType = "node.suspect"
	EventNodeRecovered     EventType = "node.recovered"
	EventNodeLost          EventType = "node.lost"
	EventNodeDraining      EventType = "node.draining"
	EventNodeDeregistered  EventType = "node.deregistered"
	EventPackRegistered    EventType = "pack.registered"
	EventPodCreated        EventType = "pod.created"
	EventPodBound          EventType = "pod.bound"
	EventPodStatusChanged  EventType = "pod.status"
	EventPodRevoked        EventType = "pod.revoked"
	EventPodUnschedulable  EventType = "pod.unschedulable"
	EventWorkloadCreated   EventType = "workload.created"
	EventWorkloadUpdated   EventType = "workload.updated"
	EventWorkloadDeleted   EventType = "workload.deleted"
	EventWorkloadStalled   EventType = "workload.stalled"
	EventWorkloadRollout   EventType = "workload.rollout"
	EventSessionOpened     EventType = "session.opened"
	EventSessionClosed     EventType = "session.closed"
	EventRouteDenied       EventType = "route.denied"
)

// Severity grades an event for sinks that filter.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one structured state transition record. Emission is
// fire-and-forget: a slow or full sink never blocks the producer.
type Event struct {
	Category      string    `json:"category"`
	Severity      Severity  `json:"severity"`
	Type          EventType `json:"type"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId"`
	ActorID       string    `json:"actorId,omitempty"`
	PreviousState string    `json:"previousState,omitempty"`
	NewState      string    `json:"newState,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to subscribers through a bounded buffer. When
// the buffer is full the oldest event is discarded and counted, so store
// mutations are never back-pressured by sinks.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

const (
	brokerBuffer     = 256
	subscriberBuffer = 64
)

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, brokerBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event without ever blocking the caller. When the
// buffer is full the oldest queued event is dropped to make room.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for {
		select {
		case b.eventCh <- event:
			return
		case <-b.stopCh:
			return
		default:
		}
		// Buffer full: evict the oldest and retry.
		select {
		case <-b.eventCh:
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		default:
		}
	}
}

// Dropped returns the number of events discarded because the buffer or a
// subscriber lagged.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
