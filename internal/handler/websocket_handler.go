// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	commandTimeout = 30 * time.Second
)

// WebSocketHandler streams bricklet events to clients and accepts write commands
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	eventBus      *EventBus
	logger        *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. Attach EventBus() to the
// read monitor and run its Start loop to feed the clients.
func NewWebSocketHandler(deviceService *service.DeviceService, security *config.SecurityConfig, logger *zap.Logger) *WebSocketHandler {
	logger = utils.OrNop(logger)
	connections := NewConnectionManager()

	var allowed []string
	if security != nil {
		allowed = security.AllowedOrigins
	}

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowed),
		},
		connections:   connections,
		deviceService: deviceService,
		eventBus:      NewEventBus(connections, logger.With(zap.String("component", "event-bus"))),
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// originChecker accepts any origin when allowed is empty
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, o := range allowed {
			if o == "*" || o == origin || o == u.Host {
				return true
			}
		}
		return false
	}
}

// EventBus returns the bus feeding this handler's clients
func (h *WebSocketHandler) EventBus() *EventBus {
	return h.eventBus
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
	router.GET("/stats", h.GetStats)
}

// Close disconnects all clients
func (h *WebSocketHandler) Close() {
	h.connections.Close()
}

// HandleEventConnection handles event stream WebSocket connections
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Error("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe":
		if topic, ok := topicOf(message); ok {
			client.Subscribe(topic)
			h.sendMessage(client, &WebSocketMessage{
				Type:      MessageTypeSubscribed,
				Data:      map[string]interface{}{"topic": topic},
				Timestamp: time.Now(),
				RequestID: message.RequestID,
			})
		}
	case "unsubscribe":
		if topic, ok := topicOf(message); ok {
			client.Unsubscribe(topic)
		}
	case "device_command":
		h.handleDeviceCommand(client, message)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      MessageTypePong,
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

func topicOf(message *WebSocketMessage) (string, bool) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		return "", false
	}
	topic, ok := data["topic"].(string)
	return topic, ok
}

// handleDeviceCommand handles device command messages
func (h *WebSocketHandler) handleDeviceCommand(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "invalid command data")
		return
	}

	command, ok := data["command"].(string)
	if !ok {
		h.sendError(client, "command is required")
		return
	}

	go h.executeDeviceCommand(client, command, data, message.RequestID)
}

// executeDeviceCommand executes a device command
func (h *WebSocketHandler) executeDeviceCommand(client *Client, command string, data map[string]interface{}, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	var result interface{}

	switch command {
	case "write":
		text, _ := data["message"].(string)
		result, err = h.deviceService.Write(ctx, []byte(text))

	case "status":
		result = h.deviceService.Info(ctx)

	default:
		h.sendError(client, fmt.Sprintf("unknown command: %s", command))
		return
	}

	response := map[string]interface{}{
		"command": command,
		"success": err == nil,
		"result":  result,
	}
	if err != nil {
		response["error"] = err.Error()
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      MessageTypeCommandResponse,
		Data:      response,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.Send(client, messageBytes) {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      MessageTypeError,
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	stats := h.connections.GetStats()
	stats.DroppedEvents = h.eventBus.Dropped()
	return stats
}

// GetStats reports the connected clients and the events lost to a full bus
// @Summary WebSocket statistics
// @Tags WebSocket
// @Produce json
// @Success 200 {object} utils.APIResponse{data=ConnectionStats} "Statistics retrieved"
// @Router /ws/stats [get]
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics retrieved", h.GetConnectionStats())
}
