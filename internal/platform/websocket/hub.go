// Package websocket is the real-time transport of the portal. It keeps a hub
// of live connections, each with a buffered outbound queue and a set of topic
// subscriptions, and routes inbound envelopes to a Dispatcher.
package websocket

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Identity is what the handshake proved about the peer. Authenticated is
// false for anonymous development connections.
type Identity struct {
	Subject       string
	Role          string
	Email         string
	Authenticated bool
}

// Client is one live connection.
type Client struct {
	ID       string
	Identity Identity
	Send     chan []byte

	hub    *Hub
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	topics map[string]struct{}

	mu      sync.RWMutex
	actorID string
	role    string
}

// NewClient builds a client with an outbound buffer of size buffer. The
// client is not attached to a socket until the handler pumps it.
func NewClient(id string, identity Identity, buffer int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:       id,
		Identity: identity,
		Send:     make(chan []byte, buffer),
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]struct{}),
	}
}

// Context is cancelled when the connection goes away.
func (c *Client) Context() context.Context { return c.ctx }

// Bind records the actor this connection registered as.
func (c *Client) Bind(actorID, role string) {
	c.mu.Lock()
	c.actorID, c.role = actorID, role
	c.mu.Unlock()
}

// ActorID returns the registered actor, or "" before register.
func (c *Client) ActorID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.actorID
}

// Role returns the registered role, or "" before register.
func (c *Client) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Registered reports whether the connection has completed register.
func (c *Client) Registered() bool { return c.ActorID() != "" }

// Hub tracks live clients by connection id and by topic. Sends never block:
// a client whose buffer is full loses the event.
type Hub struct {
	mu      sync.RWMutex
	byID    map[string]*Client
	clients map[string]map[*Client]struct{} // topic -> set of clients
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		byID:    make(map[string]*Client),
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.hub = h
	h.byID[client.ID] = client
	for topic := range client.topics {
		h.addTopicLocked(client, topic)
	}
}

// Unregister removes a client from the hub and every topic, then closes its
// Send channel and cancels its context. Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.byID[client.ID]; !ok || cur != client {
		return
	}
	for topic := range client.topics {
		h.removeTopicLocked(client, topic)
	}
	delete(h.byID, client.ID)
	close(client.Send)
	client.cancel()
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		client.topics[topic] = struct{}{}
		if _, ok := h.byID[client.ID]; ok {
			h.addTopicLocked(client, topic)
		}
	}
}

// Unsubscribe removes topics from a client.
func (h *Hub) Unsubscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		delete(client.topics, topic)
		h.removeTopicLocked(client, topic)
	}
}

// Topics returns the client's current subscriptions.
func (h *Hub) Topics(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(client.topics))
	for t := range client.topics {
		out = append(out, t)
	}
	return out
}

func (h *Hub) addTopicLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeTopicLocked(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Client returns the live client with the given connection id.
func (h *Hub) Client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[connID]
	return c, ok
}

// SendTo queues an event on one connection. It reports false when the
// connection is gone or its buffer is full.
func (h *Hub) SendTo(connID, event string, data any) bool {
	frame, err := Encode(event, data, "")
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.byID[connID]
	if !ok {
		return false
	}
	return h.deliverLocked(client, event, frame)
}

// Reply queues a frame with a correlation ref on the given client.
func (h *Hub) Reply(client *Client, event string, data any, ref string) bool {
	frame, err := Encode(event, data, ref)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if cur, ok := h.byID[client.ID]; !ok || cur != client {
		return false
	}
	return h.deliverLocked(client, event, frame)
}

// Broadcast sends an event to every subscriber of topic and returns how many
// connections accepted it.
func (h *Hub) Broadcast(topic, event string, data any) int {
	frame, err := Encode(event, data, "")
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.clients[topic] {
		if h.deliverLocked(client, event, frame) {
			n++
		}
	}
	return n
}

// BroadcastAll sends an event to every connected client.
func (h *Hub) BroadcastAll(event string, data any) int {
	frame, err := Encode(event, data, "")
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, client := range h.byID {
		if h.deliverLocked(client, event, frame) {
			n++
		}
	}
	return n
}

func (h *Hub) deliverLocked(client *Client, event string, frame []byte) bool {
	select {
	case client.Send <- frame:
		return true
	default:
		h.logger.Debug().Str("conn_id", client.ID).Str("event", event).Msg("send buffer full, event dropped")
		return false
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// CloseAll closes every socket. The read pumps then unregister their clients.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.byID))
	for _, c := range h.byID {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
