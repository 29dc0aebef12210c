// Package events is the in-process event bus: deployment lifecycle
// events fan out to every subscriber, and a slow subscriber never
// blocks delivery to the others.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventCanaryLaunched          EventType = "canary.launched"
	EventCanaryTrafficAdjusted   EventType = "canary.traffic_adjusted"
	EventCanaryMetricsUpdated    EventType = "canary.metrics_updated"
	EventCanaryHealthCheckFailed EventType = "canary.healthcheck_failed"
	EventCanaryRolledBack        EventType = "canary.rolled_back"
	EventCanaryPromoted          EventType = "canary.promoted"

	EventPromotionStarted           EventType = "promotion.started"
	EventPromotionTrafficShift      EventType = "promotion.traffic_shift"
	EventPromotionInstanceUnhealthy EventType = "promotion.instance_unhealthy"
	EventPromotionCompleted         EventType = "promotion.completed"
	EventPromotionFailed            EventType = "promotion.failed"
	EventProductionRolledBack       EventType = "production.rolled_back"

	EventRollbackProgress         EventType = "rollback.progress"
	EventRollbackApprovalRequired EventType = "rollback.approval_required"
	EventRollbackCompleted        EventType = "rollback.completed"
	EventRollbackFailed           EventType = "rollback.failed"
)

// Event represents a lifecycle event emitted by the orchestrator
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Delivery is
// best-effort, at-most-once: a subscriber with a full buffer is skipped.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for publishing a typed event with metadata
func (b *Broker) Emit(eventType EventType, message string, metadata map[string]string) {
	b.Publish(&Event{
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
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
