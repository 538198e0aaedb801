package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commercecms/notify/src/server/metrics"
)

// Message is the envelope sent over a WebSocket connection
type Message struct {
	// "notification", "ping", "pong"
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// PushPayload is the body of a pushed notification
type PushPayload struct {
	UserID   string `json:"user_id"`
	Subject  string `json:"subject"`
	Content  string `json:"content"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Client represents one live WebSocket connection. A user with several
// tabs or devices open has one Client per connection.
type Client struct {
	ConnID   string
	UserID   string
	Conn     *websocket.Conn
	Hub      *Hub
	Send     chan []byte
	LastPing time.Time

	// Closed by the hub when the connection is removed. Send is never
	// closed: dispatch goroutines push into it concurrently, so shutdown
	// is signaled here instead.
	done chan struct{}
}

// NewClient creates a client for a freshly upgraded connection
func NewClient(hub *Hub, userID, connID string, conn *websocket.Conn) *Client {
	return &Client{
		ConnID:   connID,
		UserID:   userID,
		Conn:     conn,
		Hub:      hub,
		Send:     make(chan []byte, 256),
		LastPing: time.Now(),
		done:     make(chan struct{}),
	}
}

// Hub owns the live WebSocket connections and keeps the connection
// registry in sync as sessions open and close. It also tracks named
// distribution groups for broadcast delivery.
type Hub struct {
	registry *ConnectionRegistry

	clients    map[string]*Client // connection id -> client
	clientsMux sync.RWMutex

	groups    map[string]map[string]struct{} // group name -> set of connection ids
	groupsMux sync.RWMutex

	register   chan *Client
	unregister chan *Client

	done chan struct{}
}

// NewHub creates a hub bound to the given registry
func NewHub(registry *ConnectionRegistry) *Hub {
	return &Hub{
		registry:   registry,
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]struct{}),
		register:   make(chan *Client, 10),
		unregister: make(chan *Client, 10),
		done:       make(chan struct{}),
	}
}

// Run starts the hub loop (run in goroutine)
func (h *Hub) Run() {
	// Ping ticker (every 30 seconds)
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	// Stale connection sweep (every 5 minutes)
	cleanupTicker := time.NewTicker(5 * time.Minute)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case <-pingTicker.C:
			h.pingClients()

		case <-cleanupTicker.C:
			h.cleanupStaleConnections()

		case <-h.done:
			log.Println("WebSocket hub shutting down")
			return
		}
	}
}

// Stop stops the hub and closes all client connections
func (h *Hub) Stop() {
	close(h.done)

	h.clientsMux.Lock()
	for _, client := range h.clients {
		if client.Conn != nil {
			client.Conn.Close()
		}
	}
	h.clientsMux.Unlock()
}

// RegisterClient registers a newly opened connection
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// UnregisterClient removes a closed connection. Safe to call after Stop:
// once the Run loop is gone the request is dropped instead of blocking
// the caller.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) addClient(client *Client) {
	h.clientsMux.Lock()
	h.clients[client.ConnID] = client
	total := len(h.clients)
	h.clientsMux.Unlock()

	h.registry.Register(client.UserID, client.ConnID)
	metrics.WSConnections.Set(float64(total))
	metrics.WSUsersOnline.Set(float64(h.registry.UserCount()))
	log.Printf("WebSocket client registered: user=%s conn=%s (total: %d)", client.UserID, client.ConnID, total)
}

func (h *Hub) removeClient(client *Client) {
	h.clientsMux.Lock()
	_, ok := h.clients[client.ConnID]
	if ok {
		delete(h.clients, client.ConnID)
		close(client.done)
	}
	total := len(h.clients)
	h.clientsMux.Unlock()

	if !ok {
		// Already removed, e.g. by the stale sweep. Not an error.
		return
	}

	h.registry.Unregister(client.UserID, client.ConnID)
	h.leaveAllGroups(client.ConnID)
	metrics.WSConnections.Set(float64(total))
	metrics.WSUsersOnline.Set(float64(h.registry.UserCount()))
	log.Printf("WebSocket client unregistered: user=%s conn=%s (total: %d)", client.UserID, client.ConnID, total)
}

// Push sends a notification payload to one connection. It returns an error
// when the connection is gone or the send does not complete before the
// context deadline; a client too slow to drain its buffer is dropped.
func (h *Hub) Push(ctx context.Context, connID string, payload *PushPayload) error {
	h.clientsMux.RLock()
	client, ok := h.clients[connID]
	h.clientsMux.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}

	data, err := json.Marshal(&Message{Type: "notification", Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %v", err)
	}

	select {
	case client.Send <- data:
		return nil
	case <-client.done:
		// Closed between the lookup and the send; a normal unreachable
		// delivery, not a process fault.
		return fmt.Errorf("connection %s closed during push", connID)
	case <-ctx.Done():
		// Send buffer stayed full past the deadline: drop the client so it
		// cannot wedge future deliveries.
		h.UnregisterClient(client)
		if client.Conn != nil {
			client.Conn.Close()
		}
		return fmt.Errorf("push to connection %s timed out: %v", connID, ctx.Err())
	}
}

// JoinGroup adds a connection to a named distribution group
func (h *Hub) JoinGroup(connID, group string) {
	h.groupsMux.Lock()
	defer h.groupsMux.Unlock()

	set, ok := h.groups[group]
	if !ok {
		set = make(map[string]struct{})
		h.groups[group] = set
	}
	set[connID] = struct{}{}
}

// LeaveGroup removes a connection from a group; no-op when absent
func (h *Hub) LeaveGroup(connID, group string) {
	h.groupsMux.Lock()
	defer h.groupsMux.Unlock()

	if set, ok := h.groups[group]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
}

func (h *Hub) leaveAllGroups(connID string) {
	h.groupsMux.Lock()
	defer h.groupsMux.Unlock()

	for name, set := range h.groups {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.groups, name)
		}
	}
}

// PushToGroup sends a payload to every connection subscribed to a group
// and returns the number of connections the message was handed to. Slow
// subscribers are skipped rather than blocked on.
func (h *Hub) PushToGroup(group string, payload *PushPayload) int {
	h.groupsMux.RLock()
	members := make([]string, 0, len(h.groups[group]))
	for connID := range h.groups[group] {
		members = append(members, connID)
	}
	h.groupsMux.RUnlock()

	data, err := json.Marshal(&Message{Type: "notification", Data: payload})
	if err != nil {
		log.Printf("Error marshaling group message: %v", err)
		return 0
	}

	reached := 0
	for _, connID := range members {
		h.clientsMux.RLock()
		client, ok := h.clients[connID]
		h.clientsMux.RUnlock()
		if !ok {
			continue
		}
		select {
		case client.Send <- data:
			reached++
		case <-client.done:
			// Closed while the broadcast was in flight; skip it.
		default:
			log.Printf("Group %s: dropping message for slow connection %s", group, connID)
		}
	}
	return reached
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// pingClients sends application-level pings to all clients
func (h *Hub) pingClients() {
	h.clientsMux.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMux.RUnlock()

	data, err := json.Marshal(&Message{
		Type: "ping",
		Data: map[string]interface{}{"timestamp": time.Now().Unix()},
	})
	if err != nil {
		return
	}

	for _, client := range clients {
		select {
		case client.Send <- data:
		case <-client.done:
		default:
		}
	}
}

// cleanupStaleConnections drops clients that stopped answering pings
func (h *Hub) cleanupStaleConnections() {
	now := time.Now()

	h.clientsMux.Lock()
	stale := make([]*Client, 0)
	for _, client := range h.clients {
		// No ping in 2 minutes: consider the connection dead.
		if now.Sub(client.LastPing) > 2*time.Minute {
			stale = append(stale, client)
			delete(h.clients, client.ConnID)
			close(client.done)
		}
	}
	total := len(h.clients)
	h.clientsMux.Unlock()

	for _, client := range stale {
		h.registry.Unregister(client.UserID, client.ConnID)
		h.leaveAllGroups(client.ConnID)
		if client.Conn != nil {
			client.Conn.Close()
		}
		log.Printf("Removed stale WebSocket connection: user=%s conn=%s", client.UserID, client.ConnID)
	}
	if len(stale) > 0 {
		metrics.WSConnections.Set(float64(total))
		metrics.WSUsersOnline.Set(float64(h.registry.UserCount()))
	}
}

// ReadPump handles reading messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// The only client-to-server message is the pong reply.
		var msg Message
		if err := json.Unmarshal(message, &msg); err == nil {
			if msg.Type == "pong" {
				c.LastPing = time.Now()
			}
		}
	}
}

// WritePump handles writing messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-c.done:
			// Hub removed the connection
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
