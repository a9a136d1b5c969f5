// internal/protocol/decoder.go
package protocol

// StreamDecoder splits a TCP byte stream into packets using the length byte
type StreamDecoder struct {
	buf []byte
}

func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Feed appends p and returns every complete packet. A length byte outside
// the packet limits leaves no way to find the next boundary, so the pending
// bytes are dropped and counted as one framing error.
func (d *StreamDecoder) Feed(p []byte) (packets []Packet, framingErrors int) {
	d.buf = append(d.buf, p...)
	for {
		if len(d.buf) < HeaderSize {
			return packets, framingErrors
		}
		total := int(d.buf[4])
		if total < MinPacketSize || total > MaxPacketSize {
			d.buf = d.buf[:0]
			framingErrors++
			return packets, framingErrors
		}
		if len(d.buf) < total {
			return packets, framingErrors
		}
		packet, err := ParsePacket(d.buf[:total])
		d.buf = d.buf[total:]
		if err != nil {
			framingErrors++
			continue
		}
		packets = append(packets, packet)
	}
}

// Pending returns the number of buffered bytes not yet forming a packet
func (d *StreamDecoder) Pending() int {
	return len(d.buf)
}

// Reset drops buffered bytes
func (d *StreamDecoder) Reset() {
	d.buf = d.buf[:0]
}
