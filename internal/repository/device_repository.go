// internal/repository/device_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bricklet-service/internal/database"
	"bricklet-service/internal/model"
)

// deviceRepository implements DeviceRepository interface
type deviceRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *database.DB, logger *zap.Logger) DeviceRepository {
	return &deviceRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert records a device, keeping its first_seen
func (r *deviceRepository) Upsert(ctx context.Context, device *model.KnownDevice) error {
	query := `
		INSERT INTO devices (
			uid, connected_uid, position, device_identifier, device_type,
			hardware_version, firmware_version, last_enumeration, first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uid) DO UPDATE SET
			connected_uid = EXCLUDED.connected_uid,
			position = EXCLUDED.position,
			device_identifier = EXCLUDED.device_identifier,
			device_type = EXCLUDED.device_type,
			hardware_version = EXCLUDED.hardware_version,
			firmware_version = EXCLUDED.firmware_version,
			last_enumeration = EXCLUDED.last_enumeration,
			last_seen = EXCLUDED.last_seen
	`

	_, err := r.db.ExecContext(ctx, query,
		device.UID, device.ConnectedUID, device.Position, int(device.DeviceIdentifier), device.DeviceType,
		device.HardwareVersion, device.FirmwareVersion, device.LastEnumeration, device.FirstSeen, device.LastSeen,
	)
	if err != nil {
		r.logger.Error("Failed to upsert device", zap.Error(err), zap.String("uid", device.UID))
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	r.logger.Debug("Device recorded", zap.String("uid", device.UID))
	return nil
}

// GetByUID retrieves a device by its UID
func (r *deviceRepository) GetByUID(ctx context.Context, uid string) (*model.KnownDevice, error) {
	query := `
		SELECT uid, connected_uid, position, device_identifier, device_type,
			   hardware_version, firmware_version, last_enumeration, first_seen, last_seen
		FROM devices WHERE uid = $1
	`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", uid, ErrNotFound)
		}
		r.logger.Error("Failed to get device", zap.Error(err), zap.String("uid", uid))
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// List returns known devices, optionally of one device identifier
func (r *deviceRepository) List(ctx context.Context, deviceIdentifier *uint16) ([]*model.KnownDevice, error) {
	query := `
		SELECT uid, connected_uid, position, device_identifier, device_type,
			   hardware_version, firmware_version, last_enumeration, first_seen, last_seen
		FROM devices
	`
	args := []interface{}{}
	if deviceIdentifier != nil {
		query += " WHERE device_identifier = $1"
		args = append(args, int(*deviceIdentifier))
	}
	query += " ORDER BY last_seen DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list devices", zap.Error(err))
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*model.KnownDevice{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			r.logger.Error("Failed to scan device row", zap.Error(err))
			continue
		}
		devices = append(devices, device)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}
	return devices, nil
}

// Delete removes a device
func (r *deviceRepository) Delete(ctx context.Context, uid string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE uid = $1`, uid)
	if err != nil {
		r.logger.Error("Failed to delete device", zap.Error(err), zap.String("uid", uid))
		return fmt.Errorf("failed to delete device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("device %s: %w", uid, ErrNotFound)
	}

	r.logger.Info("Device deleted successfully", zap.String("uid", uid))
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*model.KnownDevice, error) {
	device := &model.KnownDevice{}
	var identifier int
	err := row.Scan(
		&device.UID, &device.ConnectedUID, &device.Position, &identifier, &device.DeviceType,
		&device.HardwareVersion, &device.FirmwareVersion, &device.LastEnumeration,
		&device.FirstSeen, &device.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	device.DeviceIdentifier = uint16(identifier)
	return device, nil
}
