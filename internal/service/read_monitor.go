// internal/service/read_monitor.go
package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"bricklet-service/internal/model"
	"bricklet-service/pkg/driver"
)

// ReadMonitor consumes a device's event channels, logs every event and hands
// it to the sinks
type ReadMonitor struct {
	logger *zap.Logger
	sinks  []driver.EventSink

	messages atomic.Int64
	desyncs  atomic.Int64
	errors   atomic.Int64
}

// MonitorStats counts what a monitor has seen
type MonitorStats struct {
	Messages int64 `json:"messages"`
	Desyncs  int64 `json:"desyncs"`
	Errors   int64 `json:"errors"`
}

// NewReadMonitor creates a monitor fanning out to sinks
func NewReadMonitor(logger *zap.Logger, sinks ...driver.EventSink) *ReadMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadMonitor{logger: logger, sinks: sinks}
}

// AddSink attaches a sink. Call it before Run.
func (m *ReadMonitor) AddSink(sink driver.EventSink) {
	m.sinks = append(m.sinks, sink)
}

// Run handles read events until events closes or ctx is done
func (m *ReadMonitor) Run(ctx context.Context, events <-chan model.ReadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Debug("Read channel closed")
				return
			}
			m.handleRead(ev)
		}
	}
}

// RunErrors handles line error events until errs closes or ctx is done
func (m *ReadMonitor) RunErrors(ctx context.Context, errs <-chan model.ErrorEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-errs:
			if !ok {
				return
			}
			m.errors.Add(1)
			m.logger.Warn("Line error", zap.String("uid", ev.UID), zap.Stringer("error", ev.Kind))
			for _, sink := range m.sinks {
				sink.HandleErrorEvent(ev)
			}
		}
	}
}

// Stats returns the counters
func (m *ReadMonitor) Stats() MonitorStats {
	return MonitorStats{
		Messages: m.messages.Load(),
		Desyncs:  m.desyncs.Load(),
		Errors:   m.errors.Load(),
	}
}

func (m *ReadMonitor) handleRead(ev model.ReadEvent) {
	if ev.IsDesync() {
		m.desyncs.Add(1)
		m.logger.Warn("Stream was out of sync", zap.String("uid", ev.Meta.UID))
	} else {
		m.messages.Add(1)
		m.logger.Info("Message received",
			zap.String("uid", ev.Meta.UID),
			zap.Int("length", ev.Meta.Length),
			zap.String("message", ev.Text()),
		)
	}
	for _, sink := range m.sinks {
		sink.HandleReadEvent(ev)
	}
}
