// Package websocket bridges the engine's event stream to UI clients. The
// app is single-user: every connected client (window, tab) sees the same
// stream, and events raised before the first client connects are queued and
// replayed on connect.
package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/heronmail/heron/internal/events"
)

// queueLimit bounds how many events are held for a not-yet-connected UI.
// Past the limit the oldest events are dropped; the UI re-queries on
// connect anyway.
const queueLimit = 256

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
	// Serializes writes; gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Write sends one text message, serialized against concurrent writers.
func (c *Client) Write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// envelope is the wire shape of one event.
type envelope struct {
	Type    string       `json:"type"`
	Payload events.Event `json:"payload"`
}

// Hub fans engine events out to the connected UI clients. It implements
// events.Publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	queue   [][]byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Register adds a connection and flushes any events queued while no client
// was listening.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	client := &Client{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	queued := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, msg := range queued {
		if err := client.Write(msg); err != nil {
			log.Printf("websocket: failed to replay queued event: %v", err)
			break
		}
	}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Publish serializes an event and sends it to every connected client, or
// queues it when none is connected yet.
func (h *Hub) Publish(event events.Event) {
	msg, err := json.Marshal(envelope{Type: event.Type(), Payload: event})
	if err != nil {
		log.Printf("websocket: failed to encode %s event: %v", event.Type(), err)
		return
	}

	h.mu.Lock()
	if len(h.clients) == 0 {
		h.queue = append(h.queue, msg)
		if len(h.queue) > queueLimit {
			h.queue = h.queue[len(h.queue)-queueLimit:]
		}
		h.mu.Unlock()
		return
	}
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.Write(msg); err != nil {
			log.Printf("websocket: failed to write %s event: %v", event.Type(), err)
			go h.Unregister(client)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// QueuedEvents returns how many events await the first client.
func (h *Hub) QueuedEvents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}
