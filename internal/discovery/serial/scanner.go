// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"bricklet-service/internal/discovery"
)

// PortLister returns the local serial ports
type PortLister func() ([]*enumerator.PortDetails, error)

// Scanner lists local serial ports that can be bridged to a bricklet
type Scanner struct {
	logger   *zap.Logger
	patterns []string
	list     PortLister
}

// NewScanner creates a serial port scanner. Empty patterns mean the platform defaults.
func NewScanner(logger *zap.Logger, patterns []string) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(patterns) == 0 {
		patterns = defaultPortPatterns()
	}
	return &Scanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		patterns: patterns,
		list:     enumerator.GetDetailedPortsList,
	}
}

// WithLister replaces the port enumeration
func (s *Scanner) WithLister(list PortLister) *Scanner {
	s.list = list
	return s
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports true, serial enumeration works on every platform
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan returns the matching ports
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	discovered := []*discovery.DiscoveredDevice{}
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return discovered, err
		}
		if !s.matches(port.Name) {
			continue
		}
		device := &discovery.DiscoveredDevice{
			ScannerType: s.GetScannerType(),
			Port:        port.Name,
			Supported:   true,
		}
		if port.IsUSB {
			device.SerialNumber = port.SerialNumber
			device.VID = port.VID
			device.PID = port.PID
		}
		discovered = append(discovered, device)
	}

	s.logger.Info("Serial scan completed", zap.Int("ports_found", len(discovered)))
	return discovered, nil
}

func (s *Scanner) matches(name string) bool {
	for _, pattern := range s.patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func defaultPortPatterns() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM*"}
	case "darwin":
		return []string{"/dev/cu.*", "/dev/tty.usbserial*"}
	default:
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*", "/dev/ttyAMA*"}
	}
}
