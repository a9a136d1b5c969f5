// internal/handler/event_bus.go
package handler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bricklet-service/internal/model"
)

const eventBusCapacity = 1000

// EventBus turns bricklet events into WebSocket messages and fans them out to
// the connected clients. It implements driver.EventSink.
type EventBus struct {
	connections *ConnectionManager
	events      chan *WebSocketMessage
	logger      *zap.Logger

	dropped atomic.Int64
}

// NewEventBus creates a new event bus
func NewEventBus(connections *ConnectionManager, logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		connections: connections,
		events:      make(chan *WebSocketMessage, eventBusCapacity),
		logger:      logger,
	}
}

// Start distributes published messages until ctx is done
func (eb *EventBus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-eb.events:
			eb.distribute(message)
		}
	}
}

// Publish queues a message. A full bus drops it.
func (eb *EventBus) Publish(message *WebSocketMessage) {
	select {
	case eb.events <- message:
	default:
		eb.dropped.Add(1)
		eb.logger.Warn("Event bus full, dropping event", zap.String("event_type", message.Type))
	}
}

// Dropped counts messages lost to a full bus
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// HandleReadEvent publishes a read or desync message
func (eb *EventBus) HandleReadEvent(ev model.ReadEvent) {
	messageType := MessageTypeRead
	data := &ReadEventData{
		UID:        ev.Meta.UID,
		Length:     ev.Meta.Length,
		Chunks:     ev.Meta.Chunks,
		ReceivedAt: ev.Meta.ReceivedAt,
	}
	if ev.IsDesync() {
		messageType = MessageTypeDesync
	} else {
		data.Text = ev.Text()
		data.Payload = ev.Payload
	}
	eb.Publish(&WebSocketMessage{Type: messageType, Data: data, Timestamp: time.Now()})
}

// HandleErrorEvent publishes a line error message
func (eb *EventBus) HandleErrorEvent(ev model.ErrorEvent) {
	eb.Publish(&WebSocketMessage{Type: MessageTypeLineError, Data: ev, Timestamp: time.Now()})
}

func (eb *EventBus) distribute(message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		eb.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range eb.connections.Clients() {
		if !client.Wants(message.Type) {
			continue
		}
		if !eb.connections.Send(client, messageBytes) {
			eb.logger.Warn("Client send channel full during broadcast", zap.String("client_id", client.ID))
		}
	}
}
