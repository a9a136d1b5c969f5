package database

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
)

func TestMigrator_RunRejectsUnknownMode(t *testing.T) {
	cfg := &config.Config{}
	m := NewMigrator(cfg, zap.NewNop())

	err := m.Run("sideways", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMigrateMode)
	assert.Contains(t, err.Error(), "sideways")
}

func TestMigrator_RunUpAndVersion(t *testing.T) {
	if os.Getenv("BRICKLET_SERVICE_TEST_DATABASE") == "" {
		t.Skip("BRICKLET_SERVICE_TEST_DATABASE not set")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Database.MigrationsPath = "../../migrations"
	m := NewMigrator(cfg, zap.NewNop())

	require.NoError(t, m.Run("up", 0))
	// a second up is a no-op
	require.NoError(t, m.Run("up", 0))
	require.NoError(t, m.Run("version", 0))

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}
