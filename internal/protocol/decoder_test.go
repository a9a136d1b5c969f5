package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPacket(t *testing.T, uid uint32, fid uint8, payload []byte) []byte {
	t.Helper()
	p, err := NewPacket(Header{UID: uid, FunctionID: fid, Sequence: 1, ResponseExpected: true}, payload)
	require.NoError(t, err)
	return p.Bytes()
}

func TestStreamDecoder_SplitAcrossReads(t *testing.T) {
	raw := append(mustPacket(t, 1, 7, []byte{1, 2, 3}), mustPacket(t, 2, 8, nil)...)

	d := NewStreamDecoder()
	var got []Packet
	for _, b := range raw {
		packets, framing := d.Feed([]byte{b})
		assert.Zero(t, framing)
		got = append(got, packets...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].Header.UID)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Payload)
	assert.Equal(t, uint8(8), got[1].Header.FunctionID)
	assert.Zero(t, d.Pending())
}

func TestStreamDecoder_DropsUnframeableBytes(t *testing.T) {
	d := NewStreamDecoder()

	packets, framing := d.Feed([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.Empty(t, packets)
	assert.Equal(t, 1, framing)
	assert.Zero(t, d.Pending())

	packets, framing = d.Feed(mustPacket(t, 3, 9, []byte{4}))
	assert.Zero(t, framing)
	require.Len(t, packets, 1)
	assert.Equal(t, uint32(3), packets[0].Header.UID)
}

func TestStreamDecoder_Partial(t *testing.T) {
	raw := mustPacket(t, 5, 1, make([]byte, 60))
	d := NewStreamDecoder()

	packets, _ := d.Feed(raw[:30])
	assert.Empty(t, packets)
	assert.Equal(t, 30, d.Pending())

	packets, _ = d.Feed(raw[30:])
	assert.Len(t, packets, 1)

	d.Feed(raw[:10])
	d.Reset()
	assert.Zero(t, d.Pending())
}
