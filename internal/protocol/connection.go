// internal/protocol/connection.go
package protocol

import "time"

// Default brickd endpoint
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 4223
)

// TCPConfig represents the brickd connection configuration
type TCPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	KeepAlive       bool          `json:"keep_alive"`
	BufferSize      int           `json:"buffer_size"`
	Timeout         time.Duration `json:"timeout"`
	ResponseTimeout time.Duration `json:"response_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
}

// DefaultTCPConfig returns the settings used when none are given
func DefaultTCPConfig() *TCPConfig {
	return &TCPConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		KeepAlive:       true,
		BufferSize:      4096,
		Timeout:         5 * time.Second,
		ResponseTimeout: 2500 * time.Millisecond,
	}
}

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port     string        `json:"port"`
	BaudRate int           `json:"baud_rate"`
	DataBits int           `json:"data_bits"`
	StopBits int           `json:"stop_bits"`
	Parity   string        `json:"parity"`
	Timeout  time.Duration `json:"timeout"`
}
