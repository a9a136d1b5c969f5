// internal/protocol/identity.go
package protocol

import "fmt"

// Identity is the answer to GetIdentity, shared by all devices
type Identity struct {
	UID              string   `json:"uid"`
	ConnectedUID     string   `json:"connected_uid"`
	Position         string   `json:"position"`
	HardwareVersion  [3]uint8 `json:"hardware_version"`
	FirmwareVersion  [3]uint8 `json:"firmware_version"`
	DeviceIdentifier uint16   `json:"device_identifier"`
}

// FirmwareString formats the firmware version as major.minor.revision
func (i Identity) FirmwareString() string {
	return fmt.Sprintf("%d.%d.%d", i.FirmwareVersion[0], i.FirmwareVersion[1], i.FirmwareVersion[2])
}

// HardwareString formats the hardware version as major.minor.revision
func (i Identity) HardwareString() string {
	return fmt.Sprintf("%d.%d.%d", i.HardwareVersion[0], i.HardwareVersion[1], i.HardwareVersion[2])
}

// EnumerationType tells why an enumerate callback was sent
type EnumerationType uint8

const (
	EnumerationTypeAvailable EnumerationType = iota
	EnumerationTypeConnected
	EnumerationTypeDisconnected
)

func (t EnumerationType) String() string {
	switch t {
	case EnumerationTypeAvailable:
		return "available"
	case EnumerationTypeConnected:
		return "connected"
	case EnumerationTypeDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("enumeration(%d)", uint8(t))
	}
}

// EnumerateEvent is one device announcing itself
type EnumerateEvent struct {
	Identity
	EnumerationType EnumerationType `json:"enumeration_type"`
}

func readIdentity(r *PacketReader) Identity {
	var id Identity
	id.UID = r.String(8)
	id.ConnectedUID = r.String(8)
	id.Position = r.String(1)
	copy(id.HardwareVersion[:], r.Fixed(3))
	copy(id.FirmwareVersion[:], r.Fixed(3))
	id.DeviceIdentifier = r.U16()
	return id
}

// WriteIdentity encodes an identity payload
func WriteIdentity(w *PacketWriter, id Identity) *PacketWriter {
	return w.String(id.UID, 8).
		String(id.ConnectedUID, 8).
		String(id.Position, 1).
		Fixed(id.HardwareVersion[:], 3).
		Fixed(id.FirmwareVersion[:], 3).
		U16(id.DeviceIdentifier)
}

// ParseIdentity decodes a GetIdentity response payload
func ParseIdentity(payload []byte) (Identity, error) {
	r := NewPacketReader(payload)
	id := readIdentity(r)
	if err := r.Err(); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

// ParseEnumerateEvent decodes an enumerate callback payload
func ParseEnumerateEvent(payload []byte) (EnumerateEvent, error) {
	r := NewPacketReader(payload)
	ev := EnumerateEvent{Identity: readIdentity(r)}
	ev.EnumerationType = EnumerationType(r.U8())
	if err := r.Err(); err != nil {
		return EnumerateEvent{}, fmt.Errorf("decode enumerate callback: %w", err)
	}
	return ev, nil
}
