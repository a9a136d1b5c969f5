// internal/driver/registry.go
package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/pkg/driver"
)

// DriverFactory creates a device proxy bound to a connection
type DriverFactory func(uid string, ipcon *protocol.IPConnection, logger *zap.Logger) (driver.Device, error)

// Registry manages device driver registration and creation
type Registry struct {
	drivers     map[model.DeviceType]DriverFactory
	identifiers map[uint16]model.DeviceType
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewRegistry creates a new driver registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		drivers:     make(map[model.DeviceType]DriverFactory),
		identifiers: make(map[uint16]model.DeviceType),
		logger:      logger,
	}
}

// Register registers a driver factory under a type name and device identifier
func (r *Registry) Register(deviceType model.DeviceType, deviceIdentifier uint16, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[deviceType] = factory
	r.identifiers[deviceIdentifier] = deviceType
	r.logger.Info("Driver registered",
		zap.String("device_type", string(deviceType)),
		zap.Uint16("device_identifier", deviceIdentifier),
	)
}

// CreateDriver creates a proxy for uid
func (r *Registry) CreateDriver(deviceType model.DeviceType, uid string, ipcon *protocol.IPConnection) (driver.Device, error) {
	r.mu.RLock()
	factory, exists := r.drivers[deviceType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no driver found for device type %q", deviceType)
	}
	return factory(uid, ipcon, r.logger)
}

// TypeForIdentifier maps an enumerated device identifier onto a registered type
func (r *Registry) TypeForIdentifier(deviceIdentifier uint16) (model.DeviceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.identifiers[deviceIdentifier]
	return t, ok
}

// IsSupported checks if a device type has a driver
func (r *Registry) IsSupported(deviceType model.DeviceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.drivers[deviceType]
	return exists
}

// ListDrivers returns all registered type names
func (r *Registry) ListDrivers() []model.DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.DeviceType, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
