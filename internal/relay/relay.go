// internal/relay/relay.go

// Package relay bridges a local serial port to the RS232 bricklet. Bytes read
// from the port go out on the bricklet's line, received messages go out on the port.
package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"bricklet-service/internal/eventqueue"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/internal/service"
)

// DefaultReadSize is how many bytes one port read asks for
const DefaultReadSize = 1024

// Port is the local side of the relay. protocol.SerialConnection implements it.
type Port interface {
	Read(ctx context.Context, maxBytes int) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// MessageWriter is the bricklet side of the relay
type MessageWriter interface {
	Write(ctx context.Context, message []byte) (*service.WriteResult, error)
}

// Stats counts relayed bytes
type Stats struct {
	ToDevice   int64 `json:"to_device"`
	ToPort     int64 `json:"to_port"`
	ShortWrite int64 `json:"short_writes"`
}

// Relay copies data both ways between a Port and the bricklet. It is an
// EventSink: attach it to the read monitor to receive the bricklet's messages.
type Relay struct {
	port     Port
	device   MessageWriter
	logger   *zap.Logger
	readSize int

	outbound *eventqueue.Queue[[]byte]
	closing  atomic.Bool

	toDevice   atomic.Int64
	toPort     atomic.Int64
	shortWrite atomic.Int64
}

// New creates a relay between port and device
func New(port Port, device MessageWriter, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		port:     port,
		device:   device,
		logger:   logger.With(zap.String("component", "relay")),
		readSize: DefaultReadSize,
		outbound: eventqueue.New[[]byte](),
	}
}

// HandleReadEvent queues a received message for the port. Desync events carry
// no data and are dropped.
func (r *Relay) HandleReadEvent(ev model.ReadEvent) {
	if ev.IsDesync() || len(ev.Payload) == 0 {
		return
	}
	r.outbound.Push(ev.Payload)
}

// HandleErrorEvent implements driver.EventSink
func (r *Relay) HandleErrorEvent(ev model.ErrorEvent) {
	r.logger.Debug("Line error not relayed", zap.Stringer("error", ev.Kind))
}

// Run relays until ctx is done, Close is called or the port fails
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	portErr := make(chan error, 1)
	go func() {
		portErr <- r.drainToPort(ctx)
		cancel()
	}()

	err := r.pumpToDevice(ctx)
	cancel()
	if perr := <-portErr; err == nil {
		err = perr
	}
	if errors.Is(err, context.Canceled) || r.closing.Load() {
		return nil
	}
	return err
}

// Close stops delivering to the port. A port that is an io.Closer is closed
// too, so a read without a timeout returns.
func (r *Relay) Close() {
	if !r.closing.CompareAndSwap(false, true) {
		return
	}
	r.outbound.Close()
	if closer, ok := r.port.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("Failed to close relay port", zap.Error(err))
		}
	}
}

// Stats returns the counters
func (r *Relay) Stats() Stats {
	return Stats{
		ToDevice:   r.toDevice.Load(),
		ToPort:     r.toPort.Load(),
		ShortWrite: r.shortWrite.Load(),
	}
}

func (r *Relay) pumpToDevice(ctx context.Context) error {
	for ctx.Err() == nil {
		data, err := r.port.Read(ctx, r.readSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}

		result, err := r.device.Write(ctx, data)
		switch {
		case errors.Is(err, protocol.ErrNotConnected), errors.Is(err, service.ErrDeviceNotReady):
			r.logger.Warn("Bricklet unavailable, dropping port data", zap.Int("length", len(data)))
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Failed to write to bricklet", zap.Error(err))
			continue
		}
		r.toDevice.Add(int64(result.Written))
		if result.Written < result.Requested {
			r.shortWrite.Add(1)
			r.logger.Warn("Bricklet send buffer full",
				zap.Int("requested", result.Requested),
				zap.Int("written", result.Written),
			)
		}
	}
	return nil
}

func (r *Relay) drainToPort(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-r.outbound.Out():
			if !ok {
				return nil
			}
			if err := r.port.Write(ctx, data); err != nil {
				return err
			}
			r.toPort.Add(int64(len(data)))
		}
	}
}
