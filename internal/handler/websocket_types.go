// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types pushed to and accepted from clients
const (
	MessageTypeRead            = "read"
	MessageTypeDesync          = "desync"
	MessageTypeLineError       = "line_error"
	MessageTypeError           = "error"
	MessageTypePong            = "pong"
	MessageTypeSubscribed      = "subscription_confirmed"
	MessageTypeCommandResponse = "command_response"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// Subscribe restricts the client to the given message type, adding to earlier subscriptions
func (c *Client) Subscribe(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[string]bool)
	}
	c.subscriptions[messageType] = true
}

// Unsubscribe drops a message type
func (c *Client) Unsubscribe(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, messageType)
}

// Wants reports whether events of messageType go to this client.
// A client without subscriptions gets everything.
func (c *Client) Wants(messageType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[messageType]
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ReadEventData is the payload of read and desync messages
type ReadEventData struct {
	UID        string    `json:"uid"`
	Length     int       `json:"length"`
	Chunks     int       `json:"chunks,omitempty"`
	Text       string    `json:"text,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	manager := &ConnectionManager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}

	go manager.run()
	return manager
}

func (cm *ConnectionManager) run() {
	for {
		select {
		case <-cm.done:
			cm.mutex.Lock()
			for id, client := range cm.clients {
				delete(cm.clients, id)
				close(client.Send)
			}
			cm.mutex.Unlock()
			return

		case client := <-cm.register:
			cm.mutex.Lock()
			cm.clients[client.ID] = client
			cm.mutex.Unlock()

		case client := <-cm.unregister:
			cm.mutex.Lock()
			if _, ok := cm.clients[client.ID]; ok {
				delete(cm.clients, client.ID)
				close(client.Send)
			}
			cm.mutex.Unlock()
		}
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	select {
	case cm.register <- client:
	case <-cm.done:
		close(client.Send)
	}
}

// Unregister unregisters a client
func (cm *ConnectionManager) Unregister(client *Client) {
	select {
	case cm.unregister <- client:
	case <-cm.done:
	}
}

// Close disconnects every client and stops the manager
func (cm *ConnectionManager) Close() {
	cm.closeOnce.Do(func() { close(cm.done) })
}

// Clients returns a snapshot of the connected clients
func (cm *ConnectionManager) Clients() []*Client {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	clients := make([]*Client, 0, len(cm.clients))
	for _, client := range cm.clients {
		clients = append(clients, client)
	}
	return clients
}

// Send queues message for client unless the client is gone or slow
func (cm *ConnectionManager) Send(client *Client, message []byte) bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- message:
		return true
	default:
		return false
	}
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}
	for _, client := range cm.clients {
		stats.Clients = append(stats.Clients, client)
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	DroppedEvents    int64     `json:"dropped_events"`
	Clients          []*Client `json:"clients"`
}
