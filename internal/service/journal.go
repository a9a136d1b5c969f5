// internal/service/journal.go
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bricklet-service/internal/eventqueue"
	"bricklet-service/internal/model"
	"bricklet-service/internal/repository"
)

// ErrJournalDisabled is returned by journal queries when no database is configured
var ErrJournalDisabled = errors.New("event journal disabled")

const journalWriteTimeout = 5 * time.Second

type journalEntry struct {
	read  *model.StoredEvent
	error *model.ErrorEvent
}

// Journal stores events in the event repository. Writes are queued so a slow
// database never holds up the read monitor.
type Journal struct {
	repo   repository.EventRepository
	logger *zap.Logger

	queue *eventqueue.Queue[journalEntry]
	done  chan struct{}
	once  sync.Once
}

// NewJournal starts a journal writing to repo
func NewJournal(repo repository.EventRepository, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		repo:   repo,
		logger: logger.With(zap.String("component", "journal")),
		queue:  eventqueue.New[journalEntry](),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	return j
}

// HandleReadEvent queues ev for storage
func (j *Journal) HandleReadEvent(ev model.ReadEvent) {
	j.queue.Push(journalEntry{read: model.NewStoredEvent(ev)})
}

// HandleErrorEvent queues ev for storage
func (j *Journal) HandleErrorEvent(ev model.ErrorEvent) {
	j.queue.Push(journalEntry{error: &ev})
}

// List queries the journal
func (j *Journal) List(ctx context.Context, filter *model.EventFilter) ([]*model.StoredEvent, int, error) {
	if j == nil {
		return nil, 0, ErrJournalDisabled
	}
	return j.repo.List(ctx, filter)
}

// Prune deletes events older than age
func (j *Journal) Prune(ctx context.Context, age time.Duration) (int64, error) {
	if j == nil {
		return 0, ErrJournalDisabled
	}
	return j.repo.DeleteOlderThan(ctx, time.Now().Add(-age))
}

// Close stores what is queued and stops the writer
func (j *Journal) Close() {
	j.once.Do(func() {
		j.queue.Close()
		<-j.done
	})
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for entry := range j.queue.Out() {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		var err error
		if entry.read != nil {
			err = j.repo.CreateReadEvent(ctx, entry.read)
		} else {
			err = j.repo.CreateErrorEvent(ctx, *entry.error)
		}
		cancel()
		if err != nil {
			j.logger.Warn("Failed to journal event", zap.Error(err))
		}
	}
}
