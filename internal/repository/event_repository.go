// internal/repository/event_repository.go
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bricklet-service/internal/database"
	"bricklet-service/internal/model"
)

const defaultEventLimit = 100

// eventRepository implements EventRepository on Postgres
type eventRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *database.DB, logger *zap.Logger) EventRepository {
	return &eventRepository{
		db:     db,
		logger: logger,
	}
}

// CreateReadEvent stores a payload or desync event
func (r *eventRepository) CreateReadEvent(ctx context.Context, event *model.StoredEvent) error {
	query := `
		INSERT INTO read_events (id, uid, kind, payload, length, meta, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.UID, event.Kind, event.Payload, event.Length, event.Meta, event.ReceivedAt,
	)
	if err != nil {
		r.logger.Error("Failed to store read event", zap.Error(err), zap.String("uid", event.UID))
		return fmt.Errorf("failed to store read event: %w", err)
	}
	return nil
}

// CreateErrorEvent stores a line error
func (r *eventRepository) CreateErrorEvent(ctx context.Context, event model.ErrorEvent) error {
	query := `
		INSERT INTO error_events (id, uid, kind, received_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, uuid.New(), event.UID, event.Kind.String(), event.ReceivedAt)
	if err != nil {
		r.logger.Error("Failed to store error event", zap.Error(err), zap.String("uid", event.UID))
		return fmt.Errorf("failed to store error event: %w", err)
	}
	return nil
}

// List returns journal rows, newest first, and the total matching count
func (r *eventRepository) List(ctx context.Context, filter *model.EventFilter) ([]*model.StoredEvent, int, error) {
	whereClause, args := buildEventWhere(filter)
	argIndex := len(args) + 1

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM read_events %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count read events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	query := fmt.Sprintf(`
		SELECT id, uid, kind, payload, length, meta, received_at, created_at
		FROM read_events %s
		ORDER BY received_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argIndex, argIndex+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list read events", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to list read events: %w", err)
	}
	defer rows.Close()

	events := []*model.StoredEvent{}
	for rows.Next() {
		event := &model.StoredEvent{}
		err := rows.Scan(
			&event.ID, &event.UID, &event.Kind, &event.Payload, &event.Length,
			&event.Meta, &event.ReceivedAt, &event.CreatedAt,
		)
		if err != nil {
			r.logger.Error("Failed to scan read event row", zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate read event rows: %w", err)
	}

	return events, total, nil
}

// CountByKind counts journal rows for uid per kind
func (r *eventRepository) CountByKind(ctx context.Context, uid string) (map[model.ReadEventKind]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM read_events WHERE uid = $1 GROUP BY kind`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to count read events: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ReadEventKind]int)
	for rows.Next() {
		var kind model.ReadEventKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan read event count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan prunes the journal
func (r *eventRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"read_events", "error_events"} {
		result, err := r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE received_at < $1", table), olderThan)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}

	r.logger.Info("Event journal pruned", zap.Int64("deleted", total), zap.Time("older_than", olderThan))
	return total, nil
}

func buildEventWhere(filter *model.EventFilter) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.UID != "" {
		conditions = append(conditions, fmt.Sprintf("uid = $%d", argIndex))
		args = append(args, filter.UID)
		argIndex++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIndex))
		args = append(args, filter.Kind)
		argIndex++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("received_at >= $%d", argIndex))
		args = append(args, *filter.Since)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
