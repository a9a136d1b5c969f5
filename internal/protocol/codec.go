// internal/protocol/codec.go
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// PacketWriter builds a little endian payload
type PacketWriter struct {
	buf []byte
}

// NewPacketWriter returns an empty writer
func NewPacketWriter() *PacketWriter {
	return &PacketWriter{buf: make([]byte, 0, MaxPayloadSize)}
}

func (w *PacketWriter) U8(v uint8) *PacketWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *PacketWriter) Bool(v bool) *PacketWriter {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

func (w *PacketWriter) U16(v uint16) *PacketWriter {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *PacketWriter) I16(v int16) *PacketWriter {
	return w.U16(uint16(v))
}

func (w *PacketWriter) U32(v uint32) *PacketWriter {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

// Fixed writes b into a field of exactly n bytes, zero padded or truncated
func (w *PacketWriter) Fixed(b []byte, n int) *PacketWriter {
	field := make([]byte, n)
	copy(field, b)
	w.buf = append(w.buf, field...)
	return w
}

// String writes s as a NUL padded char[n]
func (w *PacketWriter) String(s string, n int) *PacketWriter {
	return w.Fixed([]byte(s), n)
}

// Bytes returns the encoded payload
func (w *PacketWriter) Bytes() []byte {
	return w.buf
}

// PacketReader decodes a little endian payload. The first short read sets
// a sticky error and every later call returns zero values.
type PacketReader struct {
	buf []byte
	off int
	err error
}

// NewPacketReader wraps payload
func NewPacketReader(payload []byte) *PacketReader {
	return &PacketReader{buf: payload}
}

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, payload has %d", ErrMalformedPacket, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *PacketReader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *PacketReader) Bool() bool {
	return r.U8() != 0
}

func (r *PacketReader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *PacketReader) I16() int16 {
	return int16(r.U16())
}

func (r *PacketReader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Fixed returns a copy of the next n bytes
func (r *PacketReader) Fixed(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a char[n] and strips the NUL padding
func (r *PacketReader) String(n int) string {
	b := r.take(n)
	if b == nil {
		return ""
	}
	return strings.TrimRight(string(b), "\x00")
}

// Err returns the first decode error
func (r *PacketReader) Err() error {
	return r.err
}
