// internal/protocol/protocol.go
package protocol

import (
	"context"
	"time"
)

// Transport is a raw byte stream to a local device, such as a serial port
type Transport interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Data communication
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, maxBytes int) ([]byte, error)
}

// ProtocolStats provides protocol-level statistics
type ProtocolStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	CallbackCount  int64         `json:"callback_count"`
	FramingErrors  int64         `json:"framing_errors"`
	Timeouts       int64         `json:"timeouts"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

func (s *ProtocolStats) updateAverageLatency(latency time.Duration) {
	if s.AverageLatency == 0 {
		s.AverageLatency = latency
		return
	}
	s.AverageLatency = (s.AverageLatency + latency) / 2
}

// ConnectionState is the lifecycle state of an IPConnection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DisconnectReason tells why a connection went down
type DisconnectReason string

const (
	DisconnectReasonRequest DisconnectReason = "request"
	DisconnectReasonError   DisconnectReason = "error"
)

// EventHandler receives connection lifecycle notifications.
// Handlers run on the goroutine that changed the state and must not block.
type EventHandler interface {
	OnConnected(addr string)
	OnDisconnected(addr string, reason DisconnectReason, err error)
}

// CallbackReceiver is implemented by device proxies registered on a connection
type CallbackReceiver interface {
	HandleCallback(packet Packet)
	ConnectionClosed()
}
