// Package ws streams assembly snapshots to websocket subscribers.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
)

// MessageType represents the type of a hub payload.
type MessageType string

const (
	MessageAssemblySnapshot   MessageType = "AssemblySnapshot"
	MessageCompositionChanged MessageType = "CompositionChanged"
	MessageRegistryReloaded   MessageType = "RegistryReloaded"
	MessageContributorPurged  MessageType = "ContributorPurged"
)

// Envelope is the wire frame every broadcast uses.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BroadcastMessage packages a payload for an org-scoped broadcast.
type BroadcastMessage struct {
	OrgID   string
	Payload []byte
}

// Hub manages active clients and org-scoped broadcasts.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastMessage
}

// NewHub builds a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastMessage),
	}
}

// Run starts the hub loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if client.OrgID() != message.OrgID {
					continue
				}
				select {
				case client.Send <- message.Payload:
				default:
					delete(h.clients, client)
					close(client.Send)
				}
			}
		}
	}
}

// Broadcast sends a raw payload to all clients in an org.
func (h *Hub) Broadcast(orgID string, payload []byte) {
	h.broadcast <- BroadcastMessage{OrgID: orgID, Payload: payload}
}

// BroadcastSnapshot publishes a finished assembly snapshot to the org's
// observers. Marshal failures are silently dropped; the snapshot is still
// persisted and returned to the caller.
func (h *Hub) BroadcastSnapshot(orgID string, snap *assembly.Snapshot) {
	if h == nil || snap == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Type: MessageAssemblySnapshot, Payload: payload})
	if err != nil {
		return
	}
	h.Broadcast(orgID, frame)
}

// BroadcastEvent publishes a typed event with an arbitrary payload.
func (h *Hub) BroadcastEvent(orgID string, msgType MessageType, payload any) {
	if h == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return
	}
	h.Broadcast(orgID, frame)
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Client represents a websocket connection.
type Client struct {
	Conn  *websocket.Conn
	Hub   *Hub
	Send  chan []byte
	mu    sync.RWMutex
	orgID string
}

// NewClient returns a client ready for registration.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Conn: conn,
		Hub:  hub,
		Send: make(chan []byte, 256),
	}
}

// OrgID returns the current org id.
func (c *Client) OrgID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orgID
}

// SetOrgID updates the org id for the client.
func (c *Client) SetOrgID(orgID string) {
	c.mu.Lock()
	c.orgID = orgID
	c.mu.Unlock()
}
