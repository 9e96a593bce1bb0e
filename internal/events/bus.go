// Package events provides the in-process event bus that connects the job
// pipeline's stages: job lifecycle transitions are emitted here and consumed
// by the aggregator trigger and the websocket status stream.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies a class of pipeline event
type EventType string

const (
	// JobQueued is emitted when the producer registers a new job
	JobQueued EventType = "job_queued"
	// JobClaimed is emitted when a worker wins a claim
	JobClaimed EventType = "job_claimed"
	// JobCompleted is emitted when a job reaches DONE
	JobCompleted EventType = "job_completed"
	// JobFailed is emitted when a job reaches FAILED
	JobFailed EventType = "job_failed"
	// JobRequeued is emitted when a transient failure or an expired lease
	// returns a job to PENDING
	JobRequeued EventType = "job_requeued"
	// SummaryUpdated is emitted when the aggregator folds new outputs
	SummaryUpdated EventType = "summary_updated"
)

// Event is a single bus message
type Event struct {
	ID        string
	Type      EventType
	Source    string
	Data      EventData
	Timestamp time.Time
}

// Handler processes a single event. Handlers run on the emitter's goroutine
// and must not block; anything slow should hand off to its own goroutine.
type Handler func(*Event)

// Bus is a minimal synchronous publish/subscribe bus
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[t] = append(b.handlers[t], h)
}

// Emit publishes an event to all subscribers of its type
func (b *Bus) Emit(t EventType, source string, data EventData) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	handlers := b.handlers[t]
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(t)).
		Str("source", source).
		Int("handlers", len(handlers)).
		Msg("Emitting event")

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount returns the number of handlers registered for an event type
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[t])
}
