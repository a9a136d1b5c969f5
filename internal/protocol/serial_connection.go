// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// ErrPortClosed is returned by SerialConnection operations on a closed port
var ErrPortClosed = errors.New("serial port not open")

// SerialConnection is a Transport over a local serial port
type SerialConnection struct {
	config *SerialConfig
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  ProtocolStats
}

// NewSerialConnection creates a closed serial transport
func NewSerialConnection(config *SerialConfig, logger *zap.Logger) *SerialConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialConnection{
		config: config,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// SerialMode converts the textual configuration into a serial.Mode
func SerialMode(config *SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
	}

	switch config.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", config.StopBits)
	}

	switch config.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark", "forced_1":
		mode.Parity = serial.MarkParity
	case "space", "forced_0":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", config.Parity)
	}
	return mode, nil
}

// Open opens the serial port
func (sc *SerialConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}

	mode, err := SerialMode(sc.config)
	if err != nil {
		return err
	}

	sc.logger.Info("Opening serial port", zap.Int("baud_rate", sc.config.BaudRate))

	port, err := serial.Open(sc.config.Port, mode)
	if err != nil {
		sc.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port %s: %w", sc.config.Port, err)
	}

	if sc.config.Timeout > 0 {
		if err := port.SetReadTimeout(sc.config.Timeout); err != nil {
			port.Close()
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}

	sc.port = port
	sc.isOpen = true
	sc.stats.IsConnected = true
	sc.stats.LastActivity = time.Now()
	return nil
}

// Close closes the serial port
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil
	}

	err := sc.port.Close()
	sc.port = nil
	sc.isOpen = false
	sc.stats.IsConnected = false
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	sc.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the port is open
func (sc *SerialConnection) IsOpen() bool {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.isOpen && sc.port != nil
}

// Write writes all of data to the port
func (sc *SerialConnection) Write(ctx context.Context, data []byte) error {
	sc.mutex.RLock()
	port := sc.port
	sc.mutex.RUnlock()

	if port == nil {
		return ErrPortClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := port.Write(data)
	if err != nil {
		sc.addStats(0, 0, true)
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}
	sc.addStats(n, 0, false)
	return nil
}

// Read returns whatever arrives within the configured read timeout.
// An empty result with a nil error means the timeout passed without data.
func (sc *SerialConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	sc.mutex.RLock()
	port := sc.port
	sc.mutex.RUnlock()

	if port == nil {
		return nil, ErrPortClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buffer := make([]byte, maxBytes)
	n, err := port.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		sc.addStats(0, 0, true)
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}
	sc.addStats(0, n, false)
	return buffer[:n], nil
}

// Stats returns a snapshot of the transport statistics
func (sc *SerialConnection) Stats() ProtocolStats {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.stats
}

func (sc *SerialConnection) addStats(written, read int, failed bool) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if failed {
		sc.stats.ErrorCount++
		return
	}
	sc.stats.BytesWritten += int64(written)
	sc.stats.BytesRead += int64(read)
	sc.stats.OperationCount++
	sc.stats.LastActivity = time.Now()
}
