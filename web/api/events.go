package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types published on the websocket stream
const (
	EventRunSubmitted = "run_submitted"
	EventRunUpdated   = "run_updated"
	EventRunCancelled = "run_cancelled"
)

// Event is one message on the live event stream
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-host tooling; no cross-origin policy to enforce
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans lifecycle events out to connected websocket clients. A
// client that cannot keep up is dropped rather than blocking the hub.
type EventHub struct {
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	mu         sync.RWMutex
}

// NewEventHub creates an event hub
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
	}
}

// Run processes hub traffic. It never returns.
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients
func (h *EventHub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[api] event hub saturated, dropping %s", event.Type)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	client := make(chan Event, 16)
	s.hub.register <- client

	// Reader goroutine: the stream is write-only, but reading detects
	// the peer closing the connection.
	go func() {
		defer func() { s.hub.unregister <- client }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range client {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			break
		}
	}
	conn.Close()
}
