package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestAppMetrics_Events(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)

	m.HandleReadEvent(model.NewPayloadEvent("XYZ", []byte("test"), 1))
	m.HandleReadEvent(model.NewDesyncEvent("XYZ"))
	m.HandleErrorEvent(model.ErrorEvent{UID: "XYZ", Kind: model.ErrorKindFraming})

	body := scrape(t, reg)
	assert.Contains(t, body, `rs232_read_events_total{kind="payload"} 1`)
	assert.Contains(t, body, `rs232_read_events_total{kind="desync"} 1`)
	assert.Contains(t, body, "rs232_read_bytes_total 4")
	assert.Contains(t, body, `rs232_line_errors_total{kind="framing"} 1`)
}

func TestAppMetrics_Operations(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)

	m.ObserveOperation("write", 0.01, nil)
	m.ObserveOperation("write", 0.02, errors.New("boom"))
	m.SetConnected(true)
	m.WrittenBytes.Add(4)

	body := scrape(t, reg)
	assert.Contains(t, body, `device_operations_total{operation="write",result="ok"} 1`)
	assert.Contains(t, body, `device_operations_total{operation="write",result="error"} 1`)
	assert.Contains(t, body, `device_operation_duration_seconds_count{operation="write"} 2`)
	assert.Contains(t, body, "brickd_connected 1")
	assert.Contains(t, body, "rs232_written_bytes_total 4")

	m.SetConnected(false)
	assert.Contains(t, scrape(t, reg), "brickd_connected 0")
}

func TestNewRegistry_Collectors(t *testing.T) {
	body := scrape(t, NewRegistry())
	assert.Contains(t, body, "go_goroutines")
}

func TestRegisterConnectionStats(t *testing.T) {
	reg := NewRegistry()
	RegisterConnectionStats(reg, func() protocol.ProtocolStats {
		return protocol.ProtocolStats{BytesRead: 80, FramingErrors: 2, Timeouts: 1}
	})

	body := scrape(t, reg)
	assert.Contains(t, body, "brickd_bytes_read_total 80")
	assert.Contains(t, body, "brickd_framing_errors_total 2")
	assert.Contains(t, body, "brickd_timeouts_total 1")
}

func TestRegisterDroppedEvents(t *testing.T) {
	reg := NewRegistry()
	var dropped int64 = 7
	RegisterDroppedEvents(reg, "websocket", func() int64 { return dropped })

	assert.Contains(t, scrape(t, reg), `sink_dropped_events_total{sink="websocket"} 7`)
	dropped = 9
	assert.Contains(t, scrape(t, reg), `sink_dropped_events_total{sink="websocket"} 9`)
}
