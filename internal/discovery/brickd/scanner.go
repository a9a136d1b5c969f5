// internal/discovery/brickd/scanner.go
package brickd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bricklet-service/internal/discovery"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// DefaultScanWindow is how long a scan collects enumerate callbacks
const DefaultScanWindow = time.Second

// TypeResolver maps device identifiers onto supported device types
type TypeResolver interface {
	TypeForIdentifier(deviceIdentifier uint16) (model.DeviceType, bool)
}

// Scanner enumerates the devices behind brickd
type Scanner struct {
	ipcon    *protocol.IPConnection
	resolver TypeResolver
	window   time.Duration
	logger   *zap.Logger

	// OnDevice, if set, sees every enumerate callback collected by a scan
	OnDevice func(ev protocol.EnumerateEvent, deviceType string)
}

// NewScanner creates a scanner on ipcon. A zero window means DefaultScanWindow.
func NewScanner(ipcon *protocol.IPConnection, resolver TypeResolver, window time.Duration, logger *zap.Logger) *Scanner {
	if window <= 0 {
		window = DefaultScanWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		ipcon:    ipcon,
		resolver: resolver,
		window:   window,
		logger:   logger.With(zap.String("scanner", "brickd")),
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "brickd"
}

// IsAvailable reports whether the brickd connection is up
func (s *Scanner) IsAvailable() bool {
	return s.ipcon.IsConnected()
}

// Scan broadcasts an enumerate request and collects answers until the scan
// window ends, ctx is done or the connection drops
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	events := s.ipcon.EnumerateReceiver()
	defer s.ipcon.UnsubscribeEnumerate(events)

	if err := s.ipcon.Enumerate(); err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	s.logger.Info("Starting brickd scan", zap.Duration("window", s.window))

	timer := time.NewTimer(s.window)
	defer timer.Stop()

	seen := make(map[string]*discovery.DiscoveredDevice)
	order := []string{}
	for {
		select {
		case <-ctx.Done():
			return collect(seen, order), ctx.Err()
		case <-timer.C:
			s.logger.Info("Brickd scan completed", zap.Int("devices_found", len(order)))
			return collect(seen, order), nil
		case ev, ok := <-events:
			if !ok {
				return collect(seen, order), protocol.ErrNotConnected
			}
			if ev.EnumerationType == protocol.EnumerationTypeDisconnected {
				continue
			}
			device := s.toDevice(ev)
			if s.OnDevice != nil {
				s.OnDevice(ev, device.DeviceType)
			}
			if _, exists := seen[ev.UID]; !exists {
				order = append(order, ev.UID)
			}
			seen[ev.UID] = device
		}
	}
}

func (s *Scanner) toDevice(ev protocol.EnumerateEvent) *discovery.DiscoveredDevice {
	device := &discovery.DiscoveredDevice{
		ScannerType:      s.GetScannerType(),
		UID:              ev.UID,
		ConnectedUID:     ev.ConnectedUID,
		Position:         ev.Position,
		DeviceIdentifier: ev.DeviceIdentifier,
		HardwareVersion:  ev.HardwareString(),
		FirmwareVersion:  ev.FirmwareString(),
	}
	if s.resolver != nil {
		if deviceType, ok := s.resolver.TypeForIdentifier(ev.DeviceIdentifier); ok {
			device.DeviceType = string(deviceType)
			device.Supported = true
		}
	}
	return device
}

func collect(seen map[string]*discovery.DiscoveredDevice, order []string) []*discovery.DiscoveredDevice {
	devices := make([]*discovery.DiscoveredDevice, 0, len(order))
	for _, uid := range order {
		devices = append(devices, seen[uid])
	}
	return devices
}
