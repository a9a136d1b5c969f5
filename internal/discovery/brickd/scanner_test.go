package brickd_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/brickdsim"
	"bricklet-service/internal/discovery"
	"bricklet-service/internal/discovery/brickd"
	"bricklet-service/internal/driver"
	"bricklet-service/internal/protocol"
)

func TestScanner_FindsSimulatedDevices(t *testing.T) {
	srv := brickdsim.New(nil)
	_, err := srv.AddDevice("XYZ")
	require.NoError(t, err)
	_, err = srv.AddDevice("abc")
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Close()

	ipcon := protocol.NewIPConnection(nil, nil)
	host, port := srv.HostPort()
	require.NoError(t, ipcon.Connect(context.Background(), host, port))
	defer ipcon.Disconnect()

	registry := driver.NewRegistry(nil)
	driver.RegisterDefaultDrivers(registry)

	var seen int
	scanner := brickd.NewScanner(ipcon, registry, 200*time.Millisecond, nil)
	scanner.OnDevice = func(protocol.EnumerateEvent, string) { seen++ }

	manager := discovery.NewScannerManager(nil)
	manager.RegisterScanner(scanner)
	assert.Equal(t, []string{"brickd"}, manager.GetAvailableScanners())

	devices, err := manager.ScanByType(context.Background(), "brickd")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, 2, seen)

	uids := []string{devices[0].UID, devices[1].UID}
	assert.ElementsMatch(t, []string{"XYZ", "abc"}, uids)
	for _, d := range devices {
		assert.True(t, d.Supported)
		assert.Equal(t, "rs232_v2", d.DeviceType)
		assert.Equal(t, "2.0.4", d.FirmwareVersion)
	}
}

func TestScanner_UnavailableWhenDisconnected(t *testing.T) {
	scanner := brickd.NewScanner(protocol.NewIPConnection(nil, nil), nil, 0, nil)
	assert.False(t, scanner.IsAvailable())

	manager := discovery.NewScannerManager(nil)
	manager.RegisterScanner(scanner)
	_, err := manager.ScanByType(context.Background(), "brickd")
	assert.Error(t, err)

	devices, err := manager.ScanAll(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, devices)
}
