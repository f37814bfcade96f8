package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opclink/engine"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	Conn string // set when the event belongs to one connection
	Data interface{}
}

// sseEnvelope is the JSON written for each event.
type sseEnvelope struct {
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
	dropped    func(client, event string)
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
		dropped:    func(string, string) {},
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					h.dropped(client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues an event for every client. It never blocks; events are
// dropped when the hub is saturated.
func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.dropped("*", event.Type)
	}
}

func (h *eventHub) add(c *sseClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *eventHub) remove(c *sseClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func splitSet(v string) map[string]bool {
	if v == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// handleSSE streams runtime events. Query parameters "types" and
// "connections" take comma-separated filters; connection filters only apply
// to events that belong to a connection.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	typeFilter := splitSet(r.URL.Query().Get("types"))
	connFilter := splitSet(r.URL.Query().Get("connections"))

	client := &sseClient{
		id:     uuid.NewString(),
		events: make(chan sseEvent, 64),
	}
	if !h.hub.add(client) {
		writeError(w, http.StatusServiceUnavailable, "event stream closed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.hub.remove(client)
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if connFilter != nil && event.Conn != "" && !connFilter[event.Conn] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// connectionOf returns the connection an engine event belongs to.
func connectionOf(ev engine.Event) string {
	switch p := ev.Payload.(type) {
	case engine.ConnectionEvent:
		return p.Status.ID
	case engine.ServerEvent:
		return p.ID
	case engine.AlarmEvent:
		return p.ConnectionID
	}
	return ""
}

// setupSSE forwards engine events to the hub. Returns a cleanup function
// that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	h.hub.dropped = func(client, event string) {
		h.logger.Debug("sse event dropped", "client", client, "event", event)
	}
	bus := h.engine.Events
	id := bus.Subscribe(func(ev engine.Event) {
		h.hub.Broadcast(sseEvent{
			Type: ev.Type.String(),
			Conn: connectionOf(ev),
			Data: sseEnvelope{Timestamp: ev.Timestamp, Data: ev.Payload},
		})
	})
	return func() {
		bus.Unsubscribe(id)
		h.hub.Stop()
	}
}
