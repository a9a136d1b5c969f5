// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DeviceScanner finds one kind of device
type DeviceScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredDevice is one scan result. Bricklets found through brickd fill the
// identity fields; local serial ports fill Port.
type DiscoveredDevice struct {
	ScannerType      string `json:"scanner_type"`
	UID              string `json:"uid,omitempty"`
	ConnectedUID     string `json:"connected_uid,omitempty"`
	Position         string `json:"position,omitempty"`
	DeviceIdentifier uint16 `json:"device_identifier,omitempty"`
	DeviceType       string `json:"device_type,omitempty"`
	HardwareVersion  string `json:"hardware_version,omitempty"`
	FirmwareVersion  string `json:"firmware_version,omitempty"`
	Supported        bool   `json:"supported"`

	Port         string `json:"port,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
}

// ScannerManager runs the registered scanners
type ScannerManager struct {
	mu       sync.RWMutex
	scanners map[string]DeviceScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a device scanner
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	scannerType := scanner.GetScannerType()
	sm.mu.Lock()
	sm.scanners[scannerType] = scanner
	sm.mu.Unlock()
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner. A failing scanner is logged and skipped.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredDevice, error) {
	allDevices := []*DiscoveredDevice{}

	for _, scannerType := range sm.scannerTypes() {
		scanner := sm.get(scannerType)
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allDevices = append(allDevices, devices...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	return allDevices, ctx.Err()
}

// ScanByType runs one scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredDevice, error) {
	scanner := sm.get(scannerType)
	if scanner == nil {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}

	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	return scanner.Scan(ctx)
}

// GetAvailableScanners returns the available scanner types, sorted
func (sm *ScannerManager) GetAvailableScanners() []string {
	available := []string{}
	for _, scannerType := range sm.scannerTypes() {
		if sm.get(scannerType).IsAvailable() {
			available = append(available, scannerType)
		}
	}
	return available
}

func (sm *ScannerManager) get(scannerType string) DeviceScanner {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.scanners[scannerType]
}

func (sm *ScannerManager) scannerTypes() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	types := make([]string, 0, len(sm.scanners))
	for t := range sm.scanners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
