// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"bricklet-service/internal/model"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// EventRepository journals events received from the bricklet
type EventRepository interface {
	CreateReadEvent(ctx context.Context, event *model.StoredEvent) error
	CreateErrorEvent(ctx context.Context, event model.ErrorEvent) error
	List(ctx context.Context, filter *model.EventFilter) ([]*model.StoredEvent, int, error)
	CountByKind(ctx context.Context, uid string) (map[model.ReadEventKind]int, error)
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// DeviceRepository remembers devices seen through enumeration
type DeviceRepository interface {
	Upsert(ctx context.Context, device *model.KnownDevice) error
	GetByUID(ctx context.Context, uid string) (*model.KnownDevice, error)
	List(ctx context.Context, deviceIdentifier *uint16) ([]*model.KnownDevice, error)
	Delete(ctx context.Context, uid string) error
}
