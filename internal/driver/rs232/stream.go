// internal/driver/rs232/stream.go
package rs232

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// Write sends message to the RS232 line in 60 byte chunks and returns how many
// bytes the bricklet accepted. The bricklet stops accepting when its send
// buffer is full, so a result shorter than the message is not an error.
// An empty message is sent as a single empty chunk.
func (b *Bricklet) Write(ctx context.Context, message []byte) (int, error) {
	b.ipcon.MustBeUsable()

	if len(message) > MaxMessageLength {
		return 0, &WriteError{
			UID: b.uid,
			Err: fmt.Errorf("%w: message length %d exceeds %d", protocol.ErrInvalidParameter, len(message), MaxMessageLength),
		}
	}
	if b.closed.Load() {
		return 0, &WriteError{UID: b.uid, Err: ErrDeviceClosed}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	written := 0
	for offset := 0; ; offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(message) {
			end = len(message)
		}
		chunk := message[offset:end]

		n, err := b.writeLowLevel(ctx, uint16(len(message)), uint16(offset), chunk)
		if err != nil {
			return written, &WriteError{UID: b.uid, Written: written, Err: err}
		}
		written += n

		if n < ChunkSize || end >= len(message) {
			break
		}
	}

	b.logger.Debug("Message written", zap.Int("length", len(message)), zap.Int("written", written))
	return written, nil
}

func (b *Bricklet) writeLowLevel(ctx context.Context, length, offset uint16, chunk []byte) (int, error) {
	payload := protocol.NewPacketWriter().
		U16(length).
		U16(offset).
		Fixed(chunk, ChunkSize).
		Bytes()

	response, err := b.ipcon.SendRequest(ctx, b.wireID, FunctionWriteLowLevel, payload)
	if err != nil {
		return 0, err
	}
	r := response.Reader()
	n := int(r.U8())
	if err := r.Err(); err != nil {
		return 0, err
	}
	if n > len(chunk) {
		n = len(chunk)
	}
	return n, nil
}

// Read polls up to length bytes from the receive buffer. It is only useful
// while the read callback is disabled. An empty result means no data.
func (b *Bricklet) Read(ctx context.Context, length uint16) ([]byte, error) {
	b.ipcon.MustBeUsable()
	if b.closed.Load() {
		return nil, ErrDeviceClosed
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()

	chunk, err := b.readLowLevel(ctx, length)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if chunk.offset == NoDataOffset {
		return []byte{}, nil
	}

	messageLength := int(chunk.length)
	data := make([]byte, 0, messageLength)
	outOfSync := chunk.offset != 0
	if !outOfSync {
		data = appendChunk(data, chunk.data, messageLength)
	}

	for !outOfSync && len(data) < messageLength {
		chunk, err = b.readLowLevel(ctx, length)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		messageLength = int(chunk.length)
		outOfSync = int(chunk.offset) != len(data)
		if !outOfSync {
			data = appendChunk(data, chunk.data, messageLength)
		}
	}

	if outOfSync {
		// drain what is left of the stream so the next Read starts clean
		for chunk.offset != NoDataOffset && int(chunk.offset)+ChunkSize < messageLength {
			chunk, err = b.readLowLevel(ctx, length)
			if err != nil {
				return nil, fmt.Errorf("read: %w", errors.Join(ErrStreamOutOfSync, err))
			}
			messageLength = int(chunk.length)
		}
		b.logger.Warn("Polled stream was out of sync")
		return nil, fmt.Errorf("read: %w", ErrStreamOutOfSync)
	}
	return data, nil
}

type lowLevelChunk struct {
	length uint16
	offset uint16
	data   []byte
}

func (b *Bricklet) readLowLevel(ctx context.Context, length uint16) (lowLevelChunk, error) {
	payload := protocol.NewPacketWriter().U16(length).Bytes()
	response, err := b.ipcon.SendRequest(ctx, b.wireID, FunctionReadLowLevel, payload)
	if err != nil {
		return lowLevelChunk{}, err
	}
	r := response.Reader()
	chunk := lowLevelChunk{length: r.U16(), offset: r.U16(), data: r.Fixed(ChunkSize)}
	return chunk, r.Err()
}

func appendChunk(data, chunk []byte, messageLength int) []byte {
	n := messageLength - len(data)
	if n > len(chunk) {
		n = len(chunk)
	}
	if n <= 0 {
		return data
	}
	return append(data, chunk[:n]...)
}

// assembly is an inbound callback message being put together
type assembly struct {
	length int
	data   []byte
	chunks int
}

// handleReadChunk reassembles ReadLowLevel callbacks. A chunk that does not
// continue the message in progress publishes one desync; if that chunk starts
// a new message the new message is kept.
func (b *Bricklet) handleReadChunk(length, offset uint16, data []byte) {
	b.assemblyMu.Lock()
	defer b.assemblyMu.Unlock()

	if b.assembly != nil && (int(offset) != len(b.assembly.data) || int(length) != b.assembly.length) {
		b.logger.Warn("Read stream lost synchronization",
			zap.Int("expected_offset", len(b.assembly.data)),
			zap.Uint16("offset", offset),
			zap.Int("expected_length", b.assembly.length),
			zap.Uint16("length", length),
		)
		b.assembly = nil
		b.desyncs.Add(1)
		b.reads.Publish(model.NewDesyncEvent(b.uid))
		if offset != 0 {
			return
		}
	}

	if b.assembly == nil {
		if offset != 0 {
			// tail of a stream that started before we were listening
			b.logger.Debug("Ignored read chunk without message start", zap.Uint16("offset", offset))
			return
		}
		b.assembly = &assembly{length: int(length), data: make([]byte, 0, length)}
	}

	b.assembly.data = appendChunk(b.assembly.data, data, b.assembly.length)
	b.assembly.chunks++

	if len(b.assembly.data) >= b.assembly.length {
		ev := model.NewPayloadEvent(b.uid, b.assembly.data, b.assembly.chunks)
		b.assembly = nil
		b.messages.Add(1)
		b.reads.Publish(ev)
	}
}

func (b *Bricklet) resetAssembly() {
	b.assemblyMu.Lock()
	b.assembly = nil
	b.assemblyMu.Unlock()
}
