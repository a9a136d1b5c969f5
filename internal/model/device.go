// internal/model/device.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bricklet-service/internal/protocol"
)

// DeviceType names a supported device family
type DeviceType string

const (
	DeviceTypeRS232V2 DeviceType = "rs232_v2"
)

// Device identifiers reported by GetIdentity
const (
	DeviceIdentifierRS232V2 uint16 = 2108
)

// Parity of the RS232 line
type Parity uint8

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityForced1
	ParityForced0
)

var parityNames = []string{"none", "odd", "even", "forced_1", "forced_0"}

func (p Parity) String() string {
	if int(p) < len(parityNames) {
		return parityNames[p]
	}
	return fmt.Sprintf("parity(%d)", uint8(p))
}

// ParseParity parses a parity name
func ParseParity(s string) (Parity, error) {
	for i, name := range parityNames {
		if strings.EqualFold(s, name) {
			return Parity(i), nil
		}
	}
	return 0, fmt.Errorf("%w: parity %q", protocol.ErrInvalidParameter, s)
}

// MarshalText encodes the value by name
func (p Parity) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a name accepted by ParseParity
func (p *Parity) UnmarshalText(text []byte) error {
	v, err := ParseParity(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// FlowControl of the RS232 line
type FlowControl uint8

const (
	FlowControlOff FlowControl = iota
	FlowControlSoftware
	FlowControlHardware
)

var flowControlNames = []string{"off", "software", "hardware"}

func (f FlowControl) String() string {
	if int(f) < len(flowControlNames) {
		return flowControlNames[f]
	}
	return fmt.Sprintf("flowcontrol(%d)", uint8(f))
}

// ParseFlowControl parses a flow control name
func ParseFlowControl(s string) (FlowControl, error) {
	for i, name := range flowControlNames {
		if strings.EqualFold(s, name) {
			return FlowControl(i), nil
		}
	}
	return 0, fmt.Errorf("%w: flow control %q", protocol.ErrInvalidParameter, s)
}

// MarshalText encodes the value by name
func (f FlowControl) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a name accepted by ParseFlowControl
func (f *FlowControl) UnmarshalText(text []byte) error {
	v, err := ParseFlowControl(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Line setting limits accepted by the bricklet
const (
	MinBaudRate      = 100
	MaxBaudRate      = 2000000
	MinBufferSize    = 1024
	MaxTotalBuffer   = 10240
	MinWordLength    = 5
	MaxWordLength    = 8
	MinStopBits      = 1
	MaxStopBits      = 2
	DefaultBaudRate  = 115200
	DefaultBufferLen = 5120
)

// Configuration is the RS232 line setup
type Configuration struct {
	BaudRate    uint32      `json:"baud_rate"`
	Parity      Parity      `json:"parity"`
	StopBits    uint8       `json:"stop_bits"`
	WordLength  uint8       `json:"word_length"`
	FlowControl FlowControl `json:"flow_control"`
}

// DefaultConfiguration is the power-on line setup of the bricklet
func DefaultConfiguration() Configuration {
	return Configuration{
		BaudRate:    DefaultBaudRate,
		Parity:      ParityNone,
		StopBits:    1,
		WordLength:  8,
		FlowControl: FlowControlOff,
	}
}

// Validate checks the configuration against the bricklet limits
func (c Configuration) Validate() error {
	switch {
	case c.BaudRate < MinBaudRate || c.BaudRate > MaxBaudRate:
		return fmt.Errorf("%w: baud_rate %d not in %d..%d", protocol.ErrInvalidParameter, c.BaudRate, MinBaudRate, MaxBaudRate)
	case c.Parity > ParityForced0:
		return fmt.Errorf("%w: parity %d", protocol.ErrInvalidParameter, c.Parity)
	case c.StopBits < MinStopBits || c.StopBits > MaxStopBits:
		return fmt.Errorf("%w: stop_bits %d", protocol.ErrInvalidParameter, c.StopBits)
	case c.WordLength < MinWordLength || c.WordLength > MaxWordLength:
		return fmt.Errorf("%w: word_length %d", protocol.ErrInvalidParameter, c.WordLength)
	case c.FlowControl > FlowControlHardware:
		return fmt.Errorf("%w: flow_control %d", protocol.ErrInvalidParameter, c.FlowControl)
	}
	return nil
}

// BufferConfig splits the bricklet's 10 KiB between send and receive
type BufferConfig struct {
	SendBufferSize    uint16 `json:"send_buffer_size"`
	ReceiveBufferSize uint16 `json:"receive_buffer_size"`
}

// Validate checks the split against the bricklet limits
func (b BufferConfig) Validate() error {
	if b.SendBufferSize < MinBufferSize {
		return fmt.Errorf("%w: send_buffer_size %d below %d", protocol.ErrInvalidParameter, b.SendBufferSize, MinBufferSize)
	}
	if b.ReceiveBufferSize < MinBufferSize {
		return fmt.Errorf("%w: receive_buffer_size %d below %d", protocol.ErrInvalidParameter, b.ReceiveBufferSize, MinBufferSize)
	}
	if int(b.SendBufferSize)+int(b.ReceiveBufferSize) > MaxTotalBuffer {
		return fmt.Errorf("%w: buffers total %d above %d", protocol.ErrInvalidParameter,
			int(b.SendBufferSize)+int(b.ReceiveBufferSize), MaxTotalBuffer)
	}
	return nil
}

// BufferStatus reports how much of each buffer is in use
type BufferStatus struct {
	SendBufferUsed    uint16 `json:"send_buffer_used"`
	ReceiveBufferUsed uint16 `json:"receive_buffer_used"`
}

// StatusLEDConfig selects what the status LED shows
type StatusLEDConfig uint8

const (
	StatusLEDOff StatusLEDConfig = iota
	StatusLEDOn
	StatusLEDShowHeartbeat
	StatusLEDShowStatus
)

var statusLEDNames = []string{"off", "on", "show_heartbeat", "show_status"}

func (s StatusLEDConfig) String() string {
	if int(s) < len(statusLEDNames) {
		return statusLEDNames[s]
	}
	return fmt.Sprintf("status_led(%d)", uint8(s))
}

// ParseStatusLEDConfig parses a status LED mode name
func ParseStatusLEDConfig(s string) (StatusLEDConfig, error) {
	for i, name := range statusLEDNames {
		if strings.EqualFold(s, name) {
			return StatusLEDConfig(i), nil
		}
	}
	return 0, fmt.Errorf("%w: status led config %q", protocol.ErrInvalidParameter, s)
}

// MarshalText encodes the value by name
func (s StatusLEDConfig) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a name accepted by ParseStatusLEDConfig
func (s *StatusLEDConfig) UnmarshalText(text []byte) error {
	v, err := ParseStatusLEDConfig(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SPITFPErrorCount holds the bricklet's SPI link error counters
type SPITFPErrorCount struct {
	ErrorCountAckChecksum     uint32 `json:"error_count_ack_checksum"`
	ErrorCountMessageChecksum uint32 `json:"error_count_message_checksum"`
	ErrorCountFrame           uint32 `json:"error_count_frame"`
	ErrorCountOverflow        uint32 `json:"error_count_overflow"`
}

// DeviceInfo is the device summary served by the API
type DeviceInfo struct {
	UID             string                 `json:"uid"`
	DeviceType      DeviceType             `json:"device_type"`
	Identity        *protocol.Identity     `json:"identity,omitempty"`
	ConnectionState string                 `json:"connection_state"`
	BrickdAddr      string                 `json:"brickd_addr"`
	Stats           protocol.ProtocolStats `json:"stats"`
	CheckedAt       time.Time              `json:"checked_at"`
}

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source %T", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// KnownDevice is a device seen through enumeration
type KnownDevice struct {
	UID              string    `json:"uid" db:"uid"`
	ConnectedUID     string    `json:"connected_uid" db:"connected_uid"`
	Position         string    `json:"position" db:"position"`
	DeviceIdentifier uint16    `json:"device_identifier" db:"device_identifier"`
	DeviceType       string    `json:"device_type,omitempty" db:"device_type"`
	HardwareVersion  string    `json:"hardware_version" db:"hardware_version"`
	FirmwareVersion  string    `json:"firmware_version" db:"firmware_version"`
	LastEnumeration  string    `json:"last_enumeration" db:"last_enumeration"`
	FirstSeen        time.Time `json:"first_seen" db:"first_seen"`
	LastSeen         time.Time `json:"last_seen" db:"last_seen"`
}

// NewKnownDevice converts an enumerate callback into a device row
func NewKnownDevice(ev protocol.EnumerateEvent, deviceType string) *KnownDevice {
	now := time.Now()
	return &KnownDevice{
		UID:              ev.UID,
		ConnectedUID:     ev.ConnectedUID,
		Position:         ev.Position,
		DeviceIdentifier: ev.DeviceIdentifier,
		DeviceType:       deviceType,
		HardwareVersion:  ev.HardwareString(),
		FirmwareVersion:  ev.FirmwareString(),
		LastEnumeration:  ev.EnumerationType.String(),
		FirstSeen:        now,
		LastSeen:         now,
	}
}
