package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/brickdsim"
	"bricklet-service/internal/config"
	"bricklet-service/internal/driver"
	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

const testUID = "XYZ"

type stack struct {
	srv     *brickdsim.Server
	device  *brickdsim.Device
	service *service.DeviceService
	ws      *WebSocketHandler
	engine  *gin.Engine
}

func newStack(t *testing.T, start bool) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := brickdsim.New(nil)
	device, err := srv.AddDevice(testUID)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })

	host, port := srv.HostPort()
	cfg := &config.Config{
		App:    config.AppConfig{Name: "bricklet-service", Version: "test"},
		Brickd: config.BrickdConfig{Host: host, Port: port, ConnectTimeout: time.Second, ResponseTimeout: time.Second},
		Device: config.DeviceConfig{
			UID:                testUID,
			Type:               string(model.DeviceTypeRS232V2),
			EnableReadCallback: true,
			OperationTimeout:   time.Second,
		},
	}

	registry := driver.NewRegistry(nil)
	driver.RegisterDefaultDrivers(registry)
	ipcon := protocol.NewIPConnection(&protocol.TCPConfig{Timeout: time.Second, ResponseTimeout: time.Second}, nil)

	ws := NewWebSocketHandler(nil, &cfg.Security, nil)
	t.Cleanup(ws.Close)
	monitor := service.NewReadMonitor(nil, ws.EventBus())
	svc := service.NewDeviceService(ipcon, registry, monitor, nil, cfg, nil)
	ws.deviceService = svc
	if start {
		require.NoError(t, svc.Start(context.Background()))
		t.Cleanup(svc.Stop)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ws.EventBus().Start(ctx)

	engine := gin.New()
	NewHealthHandler(svc, nil, cfg, nil).RegisterRoutes(engine)
	api := engine.Group("/api/v1")
	NewDeviceHandler(svc, nil, nil).RegisterRoutes(api)
	ws.RegisterRoutes(engine.Group("/ws"))

	return &stack{srv: srv, device: device, service: svc, ws: ws, engine: engine}
}

func (s *stack) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, utils.APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var resp utils.APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestDeviceHandler_Write(t *testing.T) {
	s := newStack(t, true)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"test"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]interface{}{"requested": float64(4), "written": float64(4)}, resp.Data)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"74657374","encoding":"hex"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"zz","encoding":"hex"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	rec, resp = s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"x","encoding":"rot13"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)

	long := strings.Repeat("a", rs232.MaxMessageLength+1)
	rec, resp = s.do(t, http.MethodPost, "/api/v1/device/write", fmt.Sprintf(`{"message":%q}`, long))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
}

func TestDeviceHandler_Configuration(t *testing.T) {
	s := newStack(t, true)

	rec, _ := s.do(t, http.MethodPut, "/api/v1/device/configuration",
		`{"baud_rate":9600,"parity":"even","stop_bits":2,"word_length":7,"flow_control":"software"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.Configuration{
		BaudRate: 9600, Parity: model.ParityEven, StopBits: 2, WordLength: 7, FlowControl: model.FlowControlSoftware,
	}, s.device.Configuration())

	rec, resp := s.do(t, http.MethodGet, "/api/v1/device/configuration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "even", data["parity"])
	assert.Equal(t, "software", data["flow_control"])

	rec, _ = s.do(t, http.MethodPut, "/api/v1/device/configuration", `{"parity":"sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPut, "/api/v1/device/configuration", `{"baud_rate":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceHandler_Polling(t *testing.T) {
	s := newStack(t, true)

	rec, _ := s.do(t, http.MethodPut, "/api/v1/device/read-callback", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.device.CallbackEnabled())

	rec, _ = s.do(t, http.MethodPut, "/api/v1/device/read-callback", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"polled"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/device/read", `{"length":64}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "polled", data["text"])
	assert.Equal(t, float64(6), data["length"])
}

func TestDeviceHandler_Misc(t *testing.T) {
	s := newStack(t, true)

	rec, resp := s.do(t, http.MethodGet, "/api/v1/device/temperature", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(32), resp.Data.(map[string]interface{})["temperature"])

	rec, _ = s.do(t, http.MethodPut, "/api/v1/device/status-led", `{"config":"show_heartbeat"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, resp = s.do(t, http.MethodGet, "/api/v1/device/status-led", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "show_heartbeat", resp.Data.(map[string]interface{})["config"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/device/break", `{"duration_ms":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uint16{100}, s.device.Breaks())

	rec, _ = s.do(t, http.MethodPut, "/api/v1/device/buffer-config", `{"send_buffer_size":100,"receive_buffer_size":100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = s.do(t, http.MethodGet, "/api/v1/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", resp.Data.(map[string]interface{})["connection_state"])

	rec, _ = s.do(t, http.MethodGet, "/api/v1/device/events", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDeviceHandler_NotStarted(t *testing.T) {
	s := newStack(t, false)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"test"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	rec, _ = s.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	s := newStack(t, true)

	rec, _ := s.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["brickd"].Status)
	assert.NotContains(t, health.Checks, "database")
}

func dialEvents(t *testing.T, s *stack) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(s.engine)
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return s.ws.GetConnectionStats().TotalConnections == 1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var message WebSocketMessage
	require.NoError(t, conn.ReadJSON(&message))
	return message
}

func TestWebSocket_StreamsReadEvents(t *testing.T) {
	s := newStack(t, true)
	conn := dialEvents(t, s)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"test"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	message := readMessage(t, conn)
	assert.Equal(t, MessageTypeRead, message.Type)
	data := message.Data.(map[string]interface{})
	assert.Equal(t, "test", data["text"])
	assert.Equal(t, testUID, data["uid"])

	require.NoError(t, s.srv.InjectTruncatedStream(testUID))
	rec, _ = s.do(t, http.MethodPost, "/api/v1/device/write", `{"message":"next"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MessageTypeDesync, readMessage(t, conn).Type)
	assert.Equal(t, MessageTypeRead, readMessage(t, conn).Type)
}

func TestWebSocket_SubscribeAndCommands(t *testing.T) {
	s := newStack(t, true)
	conn := dialEvents(t, s)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping", RequestID: "1"}))
	pong := readMessage(t, conn)
	assert.Equal(t, MessageTypePong, pong.Type)
	assert.Equal(t, "1", pong.RequestID)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", Data: map[string]interface{}{"topic": MessageTypeLineError}}))
	assert.Equal(t, MessageTypeSubscribed, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{
		Type:      "device_command",
		RequestID: "2",
		Data:      map[string]interface{}{"command": "write", "message": "hello"},
	}))
	response := readMessage(t, conn)
	require.Equal(t, MessageTypeCommandResponse, response.Type)
	assert.Equal(t, "2", response.RequestID)
	assert.Equal(t, true, response.Data.(map[string]interface{})["success"])

	// the echoed read event is filtered out, the line error is not
	require.NoError(t, s.srv.InjectError(testUID, model.ErrorKindFraming))
	message := readMessage(t, conn)
	assert.Equal(t, MessageTypeLineError, message.Type)
	assert.Equal(t, "framing", message.Data.(map[string]interface{})["kind"])
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://other.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", protocol.ErrInvalidParameter), http.StatusBadRequest},
		{&rs232.WriteError{UID: testUID, Err: protocol.ErrInvalidParameter}, http.StatusBadRequest},
		{protocol.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&protocol.ConnectError{Host: "127.0.0.1", Port: 4223, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&protocol.ConnectError{Host: "127.0.0.1", Port: 4223, Err: errors.New("connection refused")}, http.StatusServiceUnavailable},
		{protocol.ErrFunctionNotSupported, http.StatusNotImplemented},
		{service.ErrJournalDisabled, http.StatusNotImplemented},
		{protocol.ErrNotConnected, http.StatusServiceUnavailable},
		{service.ErrDeviceNotReady, http.StatusServiceUnavailable},
		{rs232.ErrDeviceClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestWebSocket_StatsCountDroppedEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewWebSocketHandler(nil, nil, nil)
	engine := gin.New()
	h.RegisterRoutes(engine.Group("/ws"))

	// the bus is not started, so everything past its capacity is dropped
	for i := 0; i < eventBusCapacity+3; i++ {
		h.EventBus().HandleReadEvent(model.NewPayloadEvent(testUID, []byte("x"), 1))
	}
	assert.Equal(t, int64(3), h.EventBus().Dropped())

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data ConnectionStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Data.DroppedEvents)
	assert.Equal(t, 0, resp.Data.TotalConnections)
}
