// Package events provides event management functionality.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	RunStarted       EventType = "LEARNING_RUN_STARTED"
	RunCompleted     EventType = "LEARNING_RUN_COMPLETED"
	RunFailed        EventType = "LEARNING_RUN_FAILED"
	ParamChanged     EventType = "PARAM_CHANGED"
	ReflexAdjustment EventType = "REFLEX_ADJUSTMENT"
	SlotsIngested    EventType = "SLOTS_INGESTED"
	BackupCompleted  EventType = "BACKUP_COMPLETED"
	ErrorOccurred    EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives events published on the bus.
type Handler func(event *Event)

// Bus is a simple in-process publish/subscribe event bus. Emit never blocks
// on handlers; handlers must do their own buffering if they are slow.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      map[int]Handler
	nextID   int
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		all:      make(map[int]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type and returns a
// function that removes it again.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Emit publishes an event to all subscribed handlers
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	handlers = append(handlers, b.handlers[eventType]...)
	for _, handler := range b.all {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Int("handlers", len(handlers)).
		Msg("Event emitted")
}
