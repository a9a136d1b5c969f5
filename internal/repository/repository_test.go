package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
	"bricklet-service/internal/database"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// openTestDB connects to the database configured through BRICKLET_SERVICE_DATABASE_*
// variables. The tests only run when BRICKLET_SERVICE_TEST_DATABASE is set.
func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	if os.Getenv("BRICKLET_SERVICE_TEST_DATABASE") == "" {
		t.Skip("BRICKLET_SERVICE_TEST_DATABASE not set")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Database.MigrationsPath = "../../migrations"

	logger := zap.NewNop()
	require.NoError(t, database.NewMigrator(cfg, logger).Up())

	db, err := database.Connect(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewEventRepository(db, zap.NewNop())
	ctx := context.Background()

	uid := "T" + time.Now().Format("150405")
	payload := model.NewStoredEvent(model.NewPayloadEvent(uid, []byte("test"), 1))
	desync := model.NewStoredEvent(model.NewDesyncEvent(uid))
	require.NoError(t, repo.CreateReadEvent(ctx, payload))
	require.NoError(t, repo.CreateReadEvent(ctx, desync))
	require.NoError(t, repo.CreateErrorEvent(ctx, model.ErrorEvent{UID: uid, Kind: model.ErrorKindParity, ReceivedAt: time.Now()}))

	events, total, err := repo.List(ctx, &model.EventFilter{UID: uid, Kind: model.ReadEventPayload})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("test"), events[0].Payload)
	assert.Equal(t, 4, events[0].Length)

	counts, err := repo.CountByKind(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, map[model.ReadEventKind]int{model.ReadEventPayload: 1, model.ReadEventDesync: 1}, counts)

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(3))
}

func TestDeviceRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewDeviceRepository(db, zap.NewNop())
	ctx := context.Background()

	ev := protocol.EnumerateEvent{
		Identity: protocol.Identity{
			UID:              "XYZ",
			ConnectedUID:     "6qZHtK",
			Position:         "a",
			DeviceIdentifier: model.DeviceIdentifierRS232V2,
			FirmwareVersion:  [3]uint8{2, 0, 4},
		},
		EnumerationType: protocol.EnumerationTypeAvailable,
	}
	require.NoError(t, repo.Upsert(ctx, model.NewKnownDevice(ev, string(model.DeviceTypeRS232V2))))
	require.NoError(t, repo.Upsert(ctx, model.NewKnownDevice(ev, string(model.DeviceTypeRS232V2))))

	device, err := repo.GetByUID(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, "2.0.4", device.FirmwareVersion)
	assert.Equal(t, uint16(model.DeviceIdentifierRS232V2), device.DeviceIdentifier)

	identifier := uint16(model.DeviceIdentifierRS232V2)
	devices, err := repo.List(ctx, &identifier)
	require.NoError(t, err)
	assert.NotEmpty(t, devices)

	require.NoError(t, repo.Delete(ctx, "XYZ"))
	_, err = repo.GetByUID(ctx, "XYZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildEventWhere(t *testing.T) {
	since := time.Unix(0, 0)
	where, args := buildEventWhere(&model.EventFilter{UID: "XYZ", Kind: model.ReadEventDesync, Since: &since})
	assert.Equal(t, "WHERE uid = $1 AND kind = $2 AND received_at >= $3", where)
	assert.Equal(t, []interface{}{"XYZ", model.ReadEventDesync, since}, args)

	where, args = buildEventWhere(&model.EventFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)
}
