package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_WireLayout(t *testing.T) {
	p, err := NewPacket(Header{UID: 0x01020304, FunctionID: 7, Sequence: 5, ResponseExpected: true, ErrorCode: ErrorCodeFunctionNotSupported}, []byte{0xAA})
	require.NoError(t, err)

	raw := p.Bytes()
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 9, 7, 5<<4 | 1<<3, 2 << 6, 0xAA}, raw)

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), parsed.Header.UID)
	assert.Equal(t, uint8(9), parsed.Header.Length)
	assert.Equal(t, uint8(5), parsed.Header.Sequence)
	assert.True(t, parsed.Header.ResponseExpected)
	assert.Equal(t, ErrorCodeFunctionNotSupported, parsed.Header.ErrorCode)
	assert.False(t, parsed.Header.IsCallback())
	assert.Equal(t, []byte{0xAA}, parsed.Payload)
}

func TestNewPacket_PayloadTooLarge(t *testing.T) {
	_, err := NewPacket(Header{UID: 1, FunctionID: 1}, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	p, err := NewPacket(Header{UID: 1, FunctionID: 1}, make([]byte, MaxPayloadSize))
	require.NoError(t, err)
	assert.Len(t, p.Bytes(), MaxPacketSize)
}

func TestParsePacket_Malformed(t *testing.T) {
	_, err := ParsePacket([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	// length field says 10, only 8 bytes present
	_, err = ParsePacket([]byte{1, 0, 0, 0, 10, 1, 0x18, 0})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestErrorCode_Err(t *testing.T) {
	assert.NoError(t, ErrorCodeOK.Err())
	assert.ErrorIs(t, ErrorCodeInvalidParameter.Err(), ErrInvalidParameter)
	assert.ErrorIs(t, ErrorCodeFunctionNotSupported.Err(), ErrFunctionNotSupported)
	assert.ErrorIs(t, ErrorCodeUnknown.Err(), ErrUnknownError)
}

func TestCodec(t *testing.T) {
	payload := NewPacketWriter().
		U8(1).
		Bool(true).
		U16(0xBEEF).
		I16(-5).
		U32(2000000).
		String("ab", 4).
		Bytes()
	require.Len(t, payload, 1+1+2+2+4+4)

	r := NewPacketReader(payload)
	assert.Equal(t, uint8(1), r.U8())
	assert.True(t, r.Bool())
	assert.Equal(t, uint16(0xBEEF), r.U16())
	assert.Equal(t, int16(-5), r.I16())
	assert.Equal(t, uint32(2000000), r.U32())
	assert.Equal(t, "ab", r.String(4))
	require.NoError(t, r.Err())

	assert.Zero(t, r.U8())
	assert.ErrorIs(t, r.Err(), ErrMalformedPacket)
}

func TestIdentity_RoundTrip(t *testing.T) {
	id := Identity{
		UID:              "Xyz",
		ConnectedUID:     "6qZHtK",
		Position:         "c",
		HardwareVersion:  [3]uint8{1, 0, 0},
		FirmwareVersion:  [3]uint8{2, 0, 4},
		DeviceIdentifier: 2108,
	}
	payload := WriteIdentity(NewPacketWriter(), id).Bytes()
	require.Len(t, payload, 25)

	parsed, err := ParseIdentity(payload)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, "2.0.4", parsed.FirmwareString())

	ev, err := ParseEnumerateEvent(append(payload, byte(EnumerationTypeConnected)))
	require.NoError(t, err)
	assert.Equal(t, EnumerationTypeConnected, ev.EnumerationType)
	assert.Equal(t, "Xyz", ev.UID)

	_, err = ParseIdentity(payload[:10])
	assert.Error(t, err)
}
