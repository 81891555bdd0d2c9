// Package events provides the in-process event bus that pushes inventory and
// pairing events to subscribed sessions. Delivery is best-effort: a slow or
// broken subscriber is logged and skipped, never propagated to publishers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	InventoryItemAdded    EventType = "inventory.item_added"
	InventoryItemConsumed EventType = "inventory.item_consumed"
	InventoryItemMoved    EventType = "inventory.item_moved"
	InventoryItemReserved EventType = "inventory.item_reserved"
	PairingSessionCreated EventType = "pairing.session_created"
	PairingFeedback       EventType = "pairing.feedback_received"
	WeatherAnalysisReady  EventType = "weather.analysis_ready"
	SystemStatusChanged   EventType = "system.status_changed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type EventType              `json:"type"`
	Data map[string]interface{} `json:"data"`
	TS   time.Time              `json:"ts"`
}

// subscriber holds one session's delivery channel and type filter.
type subscriber struct {
	id      string
	ch      chan *Event
	types   map[EventType]bool // nil means all types
	dropped atomic.Int64
}

// Bus is the in-process pub/sub fabric.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	log         zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		log:         log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a subscriber for the given event types (all types when
// empty) and returns its stable id plus the delivery channel. The channel is
// buffered; events are dropped for subscribers that fall behind.
func (b *Bus) Subscribe(types ...EventType) (string, <-chan *Event) {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan *Event, 100),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.log.Debug().Str("subscriber", sub.id).Int("types", len(types)).Msg("Subscriber registered")
	return sub.id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.log.Debug().Str("subscriber", id).Int64("dropped", sub.dropped.Load()).Msg("Subscriber removed")
	}
}

// Publish delivers an event to every matching subscriber. Non-blocking: a
// full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	event := &Event{
		Type: eventType,
		Data: data,
		TS:   time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[eventType] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.log.Warn().
				Str("subscriber", sub.id).
				Str("event_type", string(eventType)).
				Msg("Subscriber channel full, dropping event")
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
