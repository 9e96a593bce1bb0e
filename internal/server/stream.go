package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
)

// streamEvent is the wire form of a pipeline event
type streamEvent struct {
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
	Data      events.EventData `json:"data"`
}

// StreamHub fans pipeline events out to websocket clients. It subscribes to
// the bus once; clients come and go against the hub's client set, since bus
// subscriptions live for the process.
type StreamHub struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[chan *events.Event]struct{}
	started bool
}

// streamedTypes are the event classes exposed on the stream
var streamedTypes = []events.EventType{
	events.JobQueued,
	events.JobClaimed,
	events.JobCompleted,
	events.JobFailed,
	events.JobRequeued,
	events.SummaryUpdated,
}

// NewStreamHub creates a stream hub over the event bus
func NewStreamHub(bus *events.Bus, log zerolog.Logger) *StreamHub {
	return &StreamHub{
		bus:     bus,
		log:     log.With().Str("component", "event_stream").Logger(),
		clients: make(map[chan *events.Event]struct{}),
	}
}

// Start subscribes the hub to the bus
func (h *StreamHub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true

	for _, t := range streamedTypes {
		h.bus.Subscribe(t, h.broadcast)
	}
}

// Stop disconnects all clients
func (h *StreamHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[chan *events.Event]struct{})
}

// broadcast delivers an event to every connected client. Non-blocking send;
// a slow client drops events rather than stalling the pipeline.
func (h *StreamHub) broadcast(event *events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Client channel full, dropping event")
		}
	}
}

func (h *StreamHub) register() chan *events.Event {
	ch := make(chan *events.Event, 100)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *StreamHub) unregister(ch chan *events.Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects. An optional "types" query parameter filters event classes.
// GET /api/events/stream
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var allowedTypes map[events.EventType]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := h.register()
	defer h.unregister(ch)
	h.log.Info().Msg("Client connected to event stream")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if allowedTypes != nil && !allowedTypes[event.Type] {
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, streamEvent{
				ID:        event.ID,
				Type:      event.Type,
				Source:    event.Source,
				Timestamp: event.Timestamp,
				Data:      event.Data,
			})
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Client disconnected from event stream")
				return
			}
		}
	}
}
