// pkg/driver/interfaces.go
package driver

import (
	"context"

	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// Device is the contract every device proxy fulfils
type Device interface {
	// Addressing
	UID() string
	DeviceIdentifier() uint16
	DeviceType() model.DeviceType

	// Device information
	GetIdentity(ctx context.Context) (protocol.Identity, error)

	// Cleanup
	Close() error
}

// SerialDevice is a device that moves a byte stream to and from a serial line
type SerialDevice interface {
	Device

	// Stream
	Write(ctx context.Context, message []byte) (int, error)
	Read(ctx context.Context, length uint16) ([]byte, error)
	ReadReceiver() <-chan model.ReadEvent
	ErrorReceiver() <-chan model.ErrorEvent

	// Callback control
	EnableReadCallback(ctx context.Context) error
	DisableReadCallback(ctx context.Context) error
	IsReadCallbackEnabled(ctx context.Context) (bool, error)

	// Line configuration
	SetConfiguration(ctx context.Context, cfg model.Configuration) error
	GetConfiguration(ctx context.Context) (model.Configuration, error)
}

// EventSink receives every event a monitored device produces
type EventSink interface {
	HandleReadEvent(ev model.ReadEvent)
	HandleErrorEvent(ev model.ErrorEvent)
}
