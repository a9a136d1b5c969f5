// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// NewRegistry creates a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics are the service's own metrics
type AppMetrics struct {
	ReadEvents       *prometheus.CounterVec   // labels: kind=payload|desync
	ReadBytes        prometheus.Counter       // payload bytes received
	WrittenBytes     prometheus.Counter       // bytes accepted by the bricklet
	LineErrors       *prometheus.CounterVec   // labels: kind
	Operations       *prometheus.CounterVec   // labels: operation, result=ok|error
	OperationLatency *prometheus.HistogramVec // labels: operation
	Connected        prometheus.Gauge         // 1 while the brickd session is up
}

// NewAppMetrics registers and returns the service metrics
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		ReadEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs232_read_events_total",
			Help: "Read events delivered by the bricklet.",
		}, []string{"kind"}),
		ReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rs232_read_bytes_total",
			Help: "Payload bytes received from the RS232 line.",
		}),
		WrittenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rs232_written_bytes_total",
			Help: "Bytes accepted for the RS232 line.",
		}),
		LineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rs232_line_errors_total",
			Help: "Line errors reported by the bricklet.",
		}, []string{"kind"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_operations_total",
			Help: "Device operations by result.",
		}, []string{"operation", "result"}),
		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "device_operation_duration_seconds",
			Help:    "Device operation round trip time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brickd_connected",
			Help: "Whether the brickd connection is up.",
		}),
	}
	reg.MustRegister(m.ReadEvents, m.ReadBytes, m.WrittenBytes, m.LineErrors,
		m.Operations, m.OperationLatency, m.Connected)
	return m
}

// RegisterConnectionStats exports the connection counters read from stats
func RegisterConnectionStats(reg prometheus.Registerer, stats func() protocol.ProtocolStats) {
	counter := func(name, help string, value func(protocol.ProtocolStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(value(stats()))
		})
	}
	reg.MustRegister(
		counter("brickd_bytes_read_total", "Bytes received from brickd.",
			func(s protocol.ProtocolStats) int64 { return s.BytesRead }),
		counter("brickd_bytes_written_total", "Bytes sent to brickd.",
			func(s protocol.ProtocolStats) int64 { return s.BytesWritten }),
		counter("brickd_callbacks_total", "Callbacks received from brickd.",
			func(s protocol.ProtocolStats) int64 { return s.CallbackCount }),
		counter("brickd_framing_errors_total", "Inbound bytes that could not be framed.",
			func(s protocol.ProtocolStats) int64 { return s.FramingErrors }),
		counter("brickd_timeouts_total", "Requests that got no response in time.",
			func(s protocol.ProtocolStats) int64 { return s.Timeouts }),
	)
}

// RegisterDroppedEvents exports the events a sink lost, labelled by sink name
func RegisterDroppedEvents(reg prometheus.Registerer, sink string, dropped func() int64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "sink_dropped_events_total",
		Help:        "Events a sink dropped because it could not keep up.",
		ConstLabels: prometheus.Labels{"sink": sink},
	}, func() float64 {
		return float64(dropped())
	}))
}

// HandleReadEvent counts a read event
func (m *AppMetrics) HandleReadEvent(ev model.ReadEvent) {
	m.ReadEvents.WithLabelValues(string(ev.Kind)).Inc()
	if !ev.IsDesync() {
		m.ReadBytes.Add(float64(len(ev.Payload)))
	}
}

// HandleErrorEvent counts a line error
func (m *AppMetrics) HandleErrorEvent(ev model.ErrorEvent) {
	m.LineErrors.WithLabelValues(ev.Kind.String()).Inc()
}

// ObserveOperation records one device operation
func (m *AppMetrics) ObserveOperation(operation string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(seconds)
}

// SetConnected reflects the connection state
func (m *AppMetrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
