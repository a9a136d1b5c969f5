// internal/protocol/packet.go
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet framing limits
const (
	HeaderSize     = 8
	MinPacketSize  = HeaderSize
	MaxPacketSize  = 80
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// Function IDs shared by every device
const (
	BroadcastUID        uint32 = 0
	FunctionEnumerate   uint8  = 254
	CallbackEnumerate   uint8  = 253
	FunctionGetIdentity uint8  = 255
)

// ErrorCode is the status carried in byte 7 of a response
type ErrorCode uint8

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeInvalidParameter
	ErrorCodeFunctionNotSupported
	ErrorCodeUnknown
)

// Err maps the code onto a sentinel error, nil for ErrorCodeOK
func (c ErrorCode) Err() error {
	switch c {
	case ErrorCodeOK:
		return nil
	case ErrorCodeInvalidParameter:
		return ErrInvalidParameter
	case ErrorCodeFunctionNotSupported:
		return ErrFunctionNotSupported
	default:
		return ErrUnknownError
	}
}

// Header is the fixed 8 byte packet header
type Header struct {
	UID              uint32
	Length           uint8
	FunctionID       uint8
	Sequence         uint8
	ResponseExpected bool
	ErrorCode        ErrorCode
}

// IsCallback reports whether the packet was pushed by the device unrequested
func (h Header) IsCallback() bool {
	return h.Sequence == 0
}

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.UID)
	buf[4] = h.Length
	buf[5] = h.FunctionID
	options := (h.Sequence & 0x0F) << 4
	if h.ResponseExpected {
		options |= 1 << 3
	}
	buf[6] = options
	buf[7] = uint8(h.ErrorCode&0x03) << 6
}

// ParseHeader decodes the first HeaderSize bytes of buf
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedPacket, HeaderSize, len(buf))
	}
	return Header{
		UID:              binary.LittleEndian.Uint32(buf[0:4]),
		Length:           buf[4],
		FunctionID:       buf[5],
		Sequence:         buf[6] >> 4,
		ResponseExpected: buf[6]&(1<<3) != 0,
		ErrorCode:        ErrorCode(buf[7] >> 6),
	}, nil
}

// Packet is a header plus its payload
type Packet struct {
	Header  Header
	Payload []byte
}

// NewPacket builds a packet and fills in the length field
func NewPacket(header Header, payload []byte) (Packet, error) {
	if len(payload) > MaxPayloadSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	header.Length = uint8(HeaderSize + len(payload))
	return Packet{Header: header, Payload: payload}, nil
}

// Bytes encodes the packet for the wire
func (p Packet) Bytes() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	header := p.Header
	header.Length = uint8(len(buf))
	header.put(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// ParsePacket decodes one complete packet
func ParsePacket(buf []byte) (Packet, error) {
	header, err := ParseHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if int(header.Length) < MinPacketSize || int(header.Length) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: length %d out of range", ErrMalformedPacket, header.Length)
	}
	if len(buf) != int(header.Length) {
		return Packet{}, fmt.Errorf("%w: length field %d, got %d bytes", ErrMalformedPacket, header.Length, len(buf))
	}
	payload := make([]byte, len(buf)-HeaderSize)
	copy(payload, buf[HeaderSize:])
	return Packet{Header: header, Payload: payload}, nil
}

// Reader returns a payload reader positioned at the start of the payload
func (p Packet) Reader() *PacketReader {
	return NewPacketReader(p.Payload)
}
