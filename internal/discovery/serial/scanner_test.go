package serial

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func TestScanner_FiltersPorts(t *testing.T) {
	scanner := NewScanner(nil, []string{"/dev/ttyUSB*"}).WithLister(func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A1"},
			{Name: "/dev/ttyS0"},
		}, nil
	})

	devices, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Port)
	assert.Equal(t, "0403", devices[0].VID)
	assert.Equal(t, "serial", devices[0].ScannerType)
}

func TestScanner_ListError(t *testing.T) {
	scanner := NewScanner(nil, nil).WithLister(func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no permission")
	})

	_, err := scanner.Scan(context.Background())
	assert.Error(t, err)
	assert.True(t, scanner.IsAvailable())
}
