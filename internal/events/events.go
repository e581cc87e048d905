package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventActionEnqueued      = "action_enqueued"
	EventActionSynced        = "action_synced"
	EventActionRetry         = "action_retry"
	EventActionDropped       = "action_dropped"
	EventConnectivityChanged = "connectivity_changed"
	EventAgendaRefreshed     = "agenda_refreshed"
)

// ActionEventPayload describes a queued action for event consumers.
type ActionEventPayload struct {
	ActionID   string `json:"action_id"`
	ActionType string `json:"action_type"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

type ConnectivityEventPayload struct {
	Online bool `json:"online"`
}

type AgendaEventPayload struct {
	Entries       int `json:"entries"`
	Notifications int `json:"notifications"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]EventHandler
	wildcard    map[int]EventHandler
	nextID      int
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]EventHandler),
		wildcard:    make(map[int]EventHandler),
	}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type and returns a
// function that removes it.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.wildcard[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.wildcard, id)
		b.mu.Unlock()
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	for _, h := range b.wildcard {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
