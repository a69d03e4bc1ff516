package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-dispatch/internal/telemetry"
)

// EventType represents the type of event
type EventType string

const (
	EventJobQueued         EventType = "job.queued"
	EventJobCompleted      EventType = "job.completed"
	EventJobFallback       EventType = "job.fallback"
	EventJobDeadLettered   EventType = "job.dead_lettered"
	EventMigrationDecision EventType = "migration.decision"
	EventLegacyFallback    EventType = "migration.legacy_fallback"
	EventSLAAlert          EventType = "sla.alert"
	EventCircuitState      EventType = "circuit.state"
	EventConversationReuse EventType = "conversation.reused"
)

// Event is a notification about a dispatch state change. Delivery is best effort.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Publish never blocks: when the
// buffer is full the event is dropped and counted.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a broker with the given buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 100
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, buffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution. A nil broker discards it.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}
	select {
	case b.eventCh <- event:
	default:
		telemetry.EventsDropped.Inc()
	}
}

// Emit is shorthand for Publish with a type, message and metadata.
func (b *Broker) Emit(t EventType, msg string, meta map[string]string) {
	b.Publish(&Event{Type: t, Message: msg, Metadata: meta})
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
