// internal/driver/rs232/rs232.go
package rs232

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bricklet-service/internal/eventqueue"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// Bricklet is a proxy for one RS232 Bricklet 2.0 behind brickd.
// It does not own the connection; several proxies may share one.
type Bricklet struct {
	uid    string
	wireID uint32
	ipcon  *protocol.IPConnection
	logger *zap.Logger

	writeMu sync.Mutex // one outbound stream at a time
	readMu  sync.Mutex // one polled inbound stream at a time

	assemblyMu sync.Mutex
	assembly   *assembly

	reads  *eventqueue.Hub[model.ReadEvent]
	errors *eventqueue.Hub[model.ErrorEvent]
	closed atomic.Bool

	messages atomic.Int64
	desyncs  atomic.Int64
}

// Stats counts reassembled callback traffic
type Stats struct {
	Messages int64 `json:"messages"`
	Desyncs  int64 `json:"desyncs"`
}

// New creates a proxy for uid on ipcon. No I/O happens until an operation is
// called, and operations panic if ipcon never connected.
func New(uid string, ipcon *protocol.IPConnection, logger *zap.Logger) (*Bricklet, error) {
	wireID, err := protocol.ParseUID(uid)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bricklet{
		uid:    uid,
		wireID: wireID,
		ipcon:  ipcon,
		logger: logger.With(zap.String("uid", uid), zap.String("device_type", string(model.DeviceTypeRS232V2))),
		reads:  eventqueue.NewHub[model.ReadEvent](),
		errors: eventqueue.NewHub[model.ErrorEvent](),
	}
	ipcon.RegisterDevice(wireID, b)
	return b, nil
}

// UID returns the base58 UID the proxy was created with
func (b *Bricklet) UID() string { return b.uid }

// DeviceIdentifier returns the RS232 Bricklet 2.0 device identifier
func (b *Bricklet) DeviceIdentifier() uint16 { return model.DeviceIdentifierRS232V2 }

// DeviceType returns the registry name of the device
func (b *Bricklet) DeviceType() model.DeviceType { return model.DeviceTypeRS232V2 }

// Stats returns callback reassembly counters
func (b *Bricklet) Stats() Stats {
	return Stats{Messages: b.messages.Load(), Desyncs: b.desyncs.Load()}
}

// ReadReceiver subscribes to reassembled inbound messages. Every call returns
// a new channel that sees every later event in order. The channel closes when
// the proxy is closed or the connection goes down.
func (b *Bricklet) ReadReceiver() <-chan model.ReadEvent {
	return b.reads.Subscribe()
}

// ErrorReceiver subscribes to line error callbacks, like ReadReceiver
func (b *Bricklet) ErrorReceiver() <-chan model.ErrorEvent {
	return b.errors.Subscribe()
}

// Close detaches the proxy from the connection and closes its channels
func (b *Bricklet) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.ipcon.UnregisterDevice(b.wireID, b)
	b.reads.Close()
	b.errors.Close()
	b.resetAssembly()
	return nil
}

// HandleCallback is called by the connection for every callback addressed to this UID
func (b *Bricklet) HandleCallback(p protocol.Packet) {
	switch p.Header.FunctionID {
	case CallbackReadLowLevel:
		r := p.Reader()
		length := r.U16()
		offset := r.U16()
		data := r.Fixed(ChunkSize)
		if err := r.Err(); err != nil {
			b.logger.Warn("Invalid read callback", zap.Error(err))
			return
		}
		b.handleReadChunk(length, offset, data)
	case CallbackError:
		r := p.Reader()
		kind := model.ErrorKind(r.U8())
		if err := r.Err(); err != nil {
			b.logger.Warn("Invalid error callback", zap.Error(err))
			return
		}
		b.logger.Warn("Line error reported", zap.Stringer("error", kind))
		b.errors.Publish(model.ErrorEvent{UID: b.uid, Kind: kind, ReceivedAt: time.Now()})
	default:
		b.logger.Debug("Ignored callback", zap.Uint8("function_id", p.Header.FunctionID))
	}
}

// ConnectionClosed closes the current subscriptions when the session ends
func (b *Bricklet) ConnectionClosed() {
	b.resetAssembly()
	b.reads.Reset()
	b.errors.Reset()
}

func (b *Bricklet) request(ctx context.Context, functionID uint8, payload []byte) (*protocol.PacketReader, error) {
	b.ipcon.MustBeUsable()
	if b.closed.Load() {
		return nil, ErrDeviceClosed
	}
	response, err := b.ipcon.SendRequest(ctx, b.wireID, functionID, payload)
	if err != nil {
		return nil, err
	}
	return response.Reader(), nil
}

func (b *Bricklet) call(ctx context.Context, name string, functionID uint8, payload []byte) error {
	if _, err := b.request(ctx, functionID, payload); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// EnableReadCallback makes the bricklet push inbound data as callbacks
func (b *Bricklet) EnableReadCallback(ctx context.Context) error {
	return b.call(ctx, "enable read callback", FunctionEnableReadCallback, nil)
}

// DisableReadCallback switches back to polling with Read
func (b *Bricklet) DisableReadCallback(ctx context.Context) error {
	return b.call(ctx, "disable read callback", FunctionDisableReadCallback, nil)
}

// IsReadCallbackEnabled reports whether inbound data is pushed
func (b *Bricklet) IsReadCallbackEnabled(ctx context.Context) (bool, error) {
	r, err := b.request(ctx, FunctionIsReadCallbackEnabled, nil)
	if err != nil {
		return false, fmt.Errorf("is read callback enabled: %w", err)
	}
	enabled := r.Bool()
	return enabled, r.Err()
}

// SetConfiguration sets the RS232 line parameters
func (b *Bricklet) SetConfiguration(ctx context.Context, cfg model.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}
	payload := protocol.NewPacketWriter().
		U32(cfg.BaudRate).
		U8(uint8(cfg.Parity)).
		U8(cfg.StopBits).
		U8(cfg.WordLength).
		U8(uint8(cfg.FlowControl)).
		Bytes()
	return b.call(ctx, "set configuration", FunctionSetConfiguration, payload)
}

// GetConfiguration returns the RS232 line parameters
func (b *Bricklet) GetConfiguration(ctx context.Context) (model.Configuration, error) {
	r, err := b.request(ctx, FunctionGetConfiguration, nil)
	if err != nil {
		return model.Configuration{}, fmt.Errorf("get configuration: %w", err)
	}
	cfg := model.Configuration{
		BaudRate:    r.U32(),
		Parity:      model.Parity(r.U8()),
		StopBits:    r.U8(),
		WordLength:  r.U8(),
		FlowControl: model.FlowControl(r.U8()),
	}
	return cfg, r.Err()
}

// SetBreakCondition drives TX low for d, rounded down to milliseconds
func (b *Bricklet) SetBreakCondition(ctx context.Context, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 0 || ms > MaxBreakCondition {
		return fmt.Errorf("set break condition: %w: %v", protocol.ErrInvalidParameter, d)
	}
	payload := protocol.NewPacketWriter().U16(uint16(ms)).Bytes()
	return b.call(ctx, "set break condition", FunctionSetBreakCondition, payload)
}

// SetBufferConfig splits the bricklet memory between send and receive buffers
func (b *Bricklet) SetBufferConfig(ctx context.Context, cfg model.BufferConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("set buffer config: %w", err)
	}
	payload := protocol.NewPacketWriter().U16(cfg.SendBufferSize).U16(cfg.ReceiveBufferSize).Bytes()
	return b.call(ctx, "set buffer config", FunctionSetBufferConfig, payload)
}

// GetBufferConfig returns the buffer split
func (b *Bricklet) GetBufferConfig(ctx context.Context) (model.BufferConfig, error) {
	r, err := b.request(ctx, FunctionGetBufferConfig, nil)
	if err != nil {
		return model.BufferConfig{}, fmt.Errorf("get buffer config: %w", err)
	}
	cfg := model.BufferConfig{SendBufferSize: r.U16(), ReceiveBufferSize: r.U16()}
	return cfg, r.Err()
}

// GetBufferStatus returns the buffer usage
func (b *Bricklet) GetBufferStatus(ctx context.Context) (model.BufferStatus, error) {
	r, err := b.request(ctx, FunctionGetBufferStatus, nil)
	if err != nil {
		return model.BufferStatus{}, fmt.Errorf("get buffer status: %w", err)
	}
	status := model.BufferStatus{SendBufferUsed: r.U16(), ReceiveBufferUsed: r.U16()}
	return status, r.Err()
}

// GetSPITFPErrorCount returns the link error counters between bricklet and brick
func (b *Bricklet) GetSPITFPErrorCount(ctx context.Context) (model.SPITFPErrorCount, error) {
	r, err := b.request(ctx, FunctionGetSPITFPErrorCount, nil)
	if err != nil {
		return model.SPITFPErrorCount{}, fmt.Errorf("get spitfp error count: %w", err)
	}
	count := model.SPITFPErrorCount{
		ErrorCountAckChecksum:     r.U32(),
		ErrorCountMessageChecksum: r.U32(),
		ErrorCountFrame:           r.U32(),
		ErrorCountOverflow:        r.U32(),
	}
	return count, r.Err()
}

// SetStatusLEDConfig selects what the status LED shows
func (b *Bricklet) SetStatusLEDConfig(ctx context.Context, cfg model.StatusLEDConfig) error {
	if cfg > model.StatusLEDShowStatus {
		return fmt.Errorf("set status led config: %w: %d", protocol.ErrInvalidParameter, cfg)
	}
	payload := protocol.NewPacketWriter().U8(uint8(cfg)).Bytes()
	return b.call(ctx, "set status led config", FunctionSetStatusLEDConfig, payload)
}

// GetStatusLEDConfig returns the status LED mode
func (b *Bricklet) GetStatusLEDConfig(ctx context.Context) (model.StatusLEDConfig, error) {
	r, err := b.request(ctx, FunctionGetStatusLEDConfig, nil)
	if err != nil {
		return 0, fmt.Errorf("get status led config: %w", err)
	}
	cfg := model.StatusLEDConfig(r.U8())
	return cfg, r.Err()
}

// GetChipTemperature returns the MCU temperature in °C
func (b *Bricklet) GetChipTemperature(ctx context.Context) (int16, error) {
	r, err := b.request(ctx, FunctionGetChipTemperature, nil)
	if err != nil {
		return 0, fmt.Errorf("get chip temperature: %w", err)
	}
	temperature := r.I16()
	return temperature, r.Err()
}

// Reset restarts the bricklet. Configuration is lost.
func (b *Bricklet) Reset(ctx context.Context) error {
	return b.call(ctx, "reset", FunctionReset, nil)
}

// GetIdentity returns where the bricklet is connected and its versions
func (b *Bricklet) GetIdentity(ctx context.Context) (protocol.Identity, error) {
	r, err := b.request(ctx, FunctionGetIdentity, nil)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	identity, err := protocol.ParseIdentity(r.Fixed(25))
	if err != nil {
		return protocol.Identity{}, err
	}
	return identity, nil
}
