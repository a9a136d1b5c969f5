// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/pkg/driver"
)

// RegisterDefaultDrivers registers all default device drivers
func RegisterDefaultDrivers(registry *Registry) {
	registry.Register(model.DeviceTypeRS232V2, model.DeviceIdentifierRS232V2, newRS232Driver)

	registry.logger.Info("Bricklet drivers registered", zap.Int("drivers", len(registry.ListDrivers())))
}

func newRS232Driver(uid string, ipcon *protocol.IPConnection, logger *zap.Logger) (driver.Device, error) {
	return rs232.New(uid, ipcon, logger)
}
