// internal/brickdsim/device.go
package brickdsim

import (
	"sync"

	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// Device simulates one RS232 Bricklet 2.0. With loopback on, every message
// written to it comes back as inbound data.
type Device struct {
	mu sync.Mutex

	uid      string
	wireID   uint32
	identity protocol.Identity

	loopback        bool
	callbackEnabled bool
	config          model.Configuration
	buffer          model.BufferConfig
	statusLED       model.StatusLEDConfig
	temperature     int16
	writeLimit      int
	breaks          []uint16

	tx         []byte // outbound message being written
	rx         []byte // inbound bytes waiting for ReadLowLevel
	readStream []byte
	readOffset int
}

func newDevice(uid string, wireID uint32) *Device {
	return &Device{
		uid:    uid,
		wireID: wireID,
		identity: protocol.Identity{
			UID:              uid,
			ConnectedUID:     "6qZHtK",
			Position:         "a",
			HardwareVersion:  [3]uint8{1, 0, 0},
			FirmwareVersion:  [3]uint8{2, 0, 4},
			DeviceIdentifier: model.DeviceIdentifierRS232V2,
		},
		loopback:    true,
		config:      model.DefaultConfiguration(),
		buffer:      model.BufferConfig{SendBufferSize: model.DefaultBufferLen, ReceiveBufferSize: model.DefaultBufferLen},
		statusLED:   model.StatusLEDShowStatus,
		temperature: 32,
	}
}

// UID returns the simulated device's UID
func (d *Device) UID() string { return d.uid }

// SetLoopback ties RX to TX
func (d *Device) SetLoopback(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loopback = enabled
}

// SetWriteLimit caps the bytes accepted per chunk, 0 means no cap
func (d *Device) SetWriteLimit(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLimit = n
}

// Configuration returns the line configuration last set by a client
func (d *Device) Configuration() model.Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// CallbackEnabled reports whether the read callback is armed
func (d *Device) CallbackEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbackEnabled
}

// Breaks returns the break conditions requested so far, in ms
func (d *Device) Breaks() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.breaks...)
}

// Receive queues data as if it arrived on the RS232 line and returns the
// callbacks to broadcast, if any
func (d *Device) receive(data []byte) []protocol.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiveLocked(data)
}

func (d *Device) receiveLocked(data []byte) []protocol.Packet {
	if len(data) == 0 {
		return nil
	}
	if !d.callbackEnabled {
		d.rx = append(d.rx, data...)
		return nil
	}
	return d.readCallbacks(data, len(data))
}

// readCallbacks splits data into ReadLowLevel callbacks announcing length bytes
func (d *Device) readCallbacks(data []byte, length int) []protocol.Packet {
	var out []protocol.Packet
	for offset := 0; offset < len(data); offset += rs232.ChunkSize {
		end := offset + rs232.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := protocol.NewPacketWriter().
			U16(uint16(length)).
			U16(uint16(offset)).
			Fixed(data[offset:end], rs232.ChunkSize).
			Bytes()
		out = append(out, d.callback(rs232.CallbackReadLowLevel, payload))
	}
	return out
}

func (d *Device) callback(functionID uint8, payload []byte) protocol.Packet {
	p, _ := protocol.NewPacket(protocol.Header{UID: d.wireID, FunctionID: functionID}, payload)
	return p
}

// handle executes one request and returns the response payload, its error
// code and any callbacks the request caused
func (d *Device) handle(req protocol.Packet) ([]byte, protocol.ErrorCode, []protocol.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := req.Reader()
	w := protocol.NewPacketWriter()

	switch req.Header.FunctionID {
	case rs232.FunctionWriteLowLevel:
		length, offset, chunk := int(r.U16()), int(r.U16()), r.Fixed(rs232.ChunkSize)
		if r.Err() != nil || offset > length {
			return nil, protocol.ErrorCodeInvalidParameter, nil
		}
		written, callbacks := d.writeChunk(length, offset, chunk)
		return w.U8(uint8(written)).Bytes(), protocol.ErrorCodeOK, callbacks

	case rs232.FunctionReadLowLevel:
		length := int(r.U16())
		if r.Err() != nil {
			return nil, protocol.ErrorCodeInvalidParameter, nil
		}
		return d.readChunk(length), protocol.ErrorCodeOK, nil

	case rs232.FunctionEnableReadCallback:
		d.callbackEnabled = true
		pending := d.rx
		d.rx = nil
		return nil, protocol.ErrorCodeOK, d.receiveLocked(pending)

	case rs232.FunctionDisableReadCallback:
		d.callbackEnabled = false
		return nil, protocol.ErrorCodeOK, nil

	case rs232.FunctionIsReadCallbackEnabled:
		return w.Bool(d.callbackEnabled).Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionSetConfiguration:
		cfg := model.Configuration{
			BaudRate:    r.U32(),
			Parity:      model.Parity(r.U8()),
			StopBits:    r.U8(),
			WordLength:  r.U8(),
			FlowControl: model.FlowControl(r.U8()),
		}
		if r.Err() != nil || cfg.Validate() != nil {
			return nil, protocol.ErrorCodeInvalidParameter, nil
		}
		d.config = cfg
		return nil, protocol.ErrorCodeOK, nil

	case rs232.FunctionGetConfiguration:
		w.U32(d.config.BaudRate).
			U8(uint8(d.config.Parity)).
			U8(d.config.StopBits).
			U8(d.config.WordLength).
			U8(uint8(d.config.FlowControl))
		return w.Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionSetBreakCondition:
		ms := r.U16()
		if r.Err() != nil {
			return nil, protocol.ErrorCodeInvalidParameter, nil
		}
		d.breaks = append(d.breaks, ms)
		return nil, protocol.ErrorCodeOK, nil

	case rs232.FunctionSetBufferConfig:
		cfg := model.BufferConfig{SendBufferSize: r.U16(), ReceiveBufferSize: r.U16()}
		if r.Err() != nil || cfg.Validate() != nil {
			return nil, protocol.ErrorCodeInvalidParameter, nil
		}
		d.buffer = cfg
		return nil, protocol.ErrorCodeOK, nil

	case rs232.FunctionGetBufferConfig:
		return w.U16(d.buffer.SendBufferSize).U16(d.buffer.ReceiveBufferSize).Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionGetBufferStatus:
		used := len(d.rx) + len(d.readStream) - d.readOffset
		if used > int(d.buffer.ReceiveBufferSize) {
			used = int(d.buffer.ReceiveBufferSize)
		}
		return w.U16(uint16(len(d.tx))).U16(uint16(used)).Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionGetSPITFPErrorCount:
		return w.U32(0).U32(0).U32(0).U32(0).Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionSetStatusLEDConfig:
		cfg := model.StatusLEDConfig(r.U8())
		if r.Err() != nil || cfg > model.StatusLEDShowStatus {
			return nil, protocol.ErrorCodeInvalidParameter, nil
		}
		d.statusLED = cfg
		return nil, protocol.ErrorCodeOK, nil

	case rs232.FunctionGetStatusLEDConfig:
		return w.U8(uint8(d.statusLED)).Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionGetChipTemperature:
		return w.I16(d.temperature).Bytes(), protocol.ErrorCodeOK, nil

	case rs232.FunctionReset:
		d.callbackEnabled = false
		d.config = model.DefaultConfiguration()
		d.tx, d.rx, d.readStream, d.readOffset = nil, nil, nil, 0
		return nil, protocol.ErrorCodeOK, nil

	case rs232.FunctionGetIdentity:
		return protocol.WriteIdentity(w, d.identity).Bytes(), protocol.ErrorCodeOK, nil

	default:
		return nil, protocol.ErrorCodeFunctionNotSupported, nil
	}
}

func (d *Device) writeChunk(length, offset int, chunk []byte) (int, []protocol.Packet) {
	chunkLen := length - offset
	if chunkLen > rs232.ChunkSize {
		chunkLen = rs232.ChunkSize
	}
	accepted := chunkLen
	if d.writeLimit > 0 && accepted > d.writeLimit {
		accepted = d.writeLimit
	}

	if offset == 0 || offset != len(d.tx) {
		d.tx = d.tx[:0]
	}
	d.tx = append(d.tx, chunk[:accepted]...)

	if accepted < chunkLen || offset+chunkLen >= length {
		message := append([]byte(nil), d.tx...)
		d.tx = nil
		if d.loopback {
			return accepted, d.receiveLocked(message)
		}
	}
	return accepted, nil
}

func (d *Device) readChunk(length int) []byte {
	w := protocol.NewPacketWriter()
	if d.readStream == nil {
		if len(d.rx) == 0 || length == 0 {
			return w.U16(0).U16(rs232.NoDataOffset).Fixed(nil, rs232.ChunkSize).Bytes()
		}
		n := length
		if n > len(d.rx) {
			n = len(d.rx)
		}
		d.readStream = d.rx[:n:n]
		d.rx = d.rx[n:]
		d.readOffset = 0
	}

	end := d.readOffset + rs232.ChunkSize
	if end > len(d.readStream) {
		end = len(d.readStream)
	}
	w.U16(uint16(len(d.readStream))).U16(uint16(d.readOffset)).Fixed(d.readStream[d.readOffset:end], rs232.ChunkSize)

	d.readOffset = end
	if d.readOffset >= len(d.readStream) {
		d.readStream, d.readOffset = nil, 0
	}
	return w.Bytes()
}
