package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/brickdsim"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/pkg/driver"
)

func TestRegistry_Defaults(t *testing.T) {
	registry := NewRegistry(nil)
	RegisterDefaultDrivers(registry)

	assert.Equal(t, []model.DeviceType{model.DeviceTypeRS232V2}, registry.ListDrivers())
	assert.True(t, registry.IsSupported(model.DeviceTypeRS232V2))
	assert.False(t, registry.IsSupported("lcd_128x64"))

	deviceType, ok := registry.TypeForIdentifier(model.DeviceIdentifierRS232V2)
	assert.True(t, ok)
	assert.Equal(t, model.DeviceTypeRS232V2, deviceType)

	_, ok = registry.TypeForIdentifier(1)
	assert.False(t, ok)
}

func TestRegistry_CreateDriver(t *testing.T) {
	srv := brickdsim.New(nil)
	_, err := srv.AddDevice("XYZ")
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Close()

	ipcon := protocol.NewIPConnection(nil, nil)
	host, port := srv.HostPort()
	require.NoError(t, ipcon.Connect(context.Background(), host, port))
	defer ipcon.Disconnect()

	registry := NewRegistry(nil)
	RegisterDefaultDrivers(registry)

	device, err := registry.CreateDriver(model.DeviceTypeRS232V2, "XYZ", ipcon)
	require.NoError(t, err)
	defer device.Close()

	_, isSerial := device.(driver.SerialDevice)
	assert.True(t, isSerial)

	identity, err := device.GetIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "XYZ", identity.UID)

	_, err = registry.CreateDriver("unknown", "XYZ", ipcon)
	assert.Error(t, err)

	_, err = registry.CreateDriver(model.DeviceTypeRS232V2, "0", ipcon)
	assert.ErrorIs(t, err, protocol.ErrInvalidUID)
}
