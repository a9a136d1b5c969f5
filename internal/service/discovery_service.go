// internal/service/discovery_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bricklet-service/internal/discovery"
	"bricklet-service/internal/discovery/brickd"
	"bricklet-service/internal/discovery/serial"
	"bricklet-service/internal/driver"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/internal/repository"
	"bricklet-service/internal/utils"
)

// ScanRequest selects the scanners to run
type ScanRequest struct {
	ScanType string `json:"scan_type" binding:"omitempty,oneof=all brickd serial"`
}

// DiscoveryService handles device discovery operations
type DiscoveryService struct {
	deviceRepo     repository.DeviceRepository
	scannerManager *discovery.ScannerManager
	logger         *utils.ServiceLogger
}

// NewDiscoveryService creates a new discovery service. deviceRepo may be nil,
// then enumerated devices are not remembered.
func NewDiscoveryService(
	ipcon *protocol.IPConnection,
	registry *driver.Registry,
	deviceRepo repository.DeviceRepository,
	scanWindow time.Duration,
	logger *zap.Logger,
) *DiscoveryService {
	logger = utils.OrNop(logger)
	ds := &DiscoveryService{
		deviceRepo:     deviceRepo,
		scannerManager: discovery.NewScannerManager(logger),
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}

	brickdScanner := brickd.NewScanner(ipcon, registry, scanWindow, logger)
	if deviceRepo != nil {
		brickdScanner.OnDevice = ds.remember
	}
	ds.scannerManager.RegisterScanner(brickdScanner)
	ds.scannerManager.RegisterScanner(serial.NewScanner(logger, nil))

	return ds
}

// ScanDevices runs the requested scanners
func (ds *DiscoveryService) ScanDevices(ctx context.Context, req *ScanRequest) ([]*discovery.DiscoveredDevice, error) {
	scanType := req.ScanType
	if scanType == "" {
		scanType = "all"
	}
	ds.logger.Info("Starting device scan", zap.String("type", scanType))

	var devices []*discovery.DiscoveredDevice
	var err error
	switch scanType {
	case "all":
		devices, err = ds.scannerManager.ScanAll(ctx)
	case "brickd", "serial":
		devices, err = ds.scannerManager.ScanByType(ctx, scanType)
	default:
		return nil, fmt.Errorf("unsupported scan type %q: %w", scanType, protocol.ErrInvalidParameter)
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	ds.logger.Info("Device scan completed",
		zap.Int("devices_found", len(devices)),
		zap.String("scan_type", scanType),
	)
	return devices, nil
}

// ListSerialPorts lists the local serial ports
func (ds *DiscoveryService) ListSerialPorts(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	return ds.scannerManager.ScanByType(ctx, "serial")
}

// AvailableScanners returns the scanners that can run now
func (ds *DiscoveryService) AvailableScanners() []string {
	return ds.scannerManager.GetAvailableScanners()
}

// KnownDevices returns the devices remembered from earlier scans
func (ds *DiscoveryService) KnownDevices(ctx context.Context) ([]*model.KnownDevice, error) {
	if ds.deviceRepo == nil {
		return nil, ErrJournalDisabled
	}
	return ds.deviceRepo.List(ctx, nil)
}

func (ds *DiscoveryService) remember(ev protocol.EnumerateEvent, deviceType string) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := ds.deviceRepo.Upsert(ctx, model.NewKnownDevice(ev, deviceType)); err != nil {
		ds.logger.Warn("Failed to remember device", zap.String("uid", ev.UID), zap.Error(err))
	}
}
