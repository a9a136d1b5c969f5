package protocol_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/brickdsim"
	"bricklet-service/internal/protocol"
)

const testUID = "XYZ"

func startServer(t *testing.T) *brickdsim.Server {
	t.Helper()
	srv := brickdsim.New(nil)
	_, err := srv.AddDevice(testUID)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func connect(t *testing.T, srv *brickdsim.Server, cfg *protocol.TCPConfig) *protocol.IPConnection {
	t.Helper()
	ipcon := protocol.NewIPConnection(cfg, nil)
	host, port := srv.HostPort()
	require.NoError(t, ipcon.Connect(context.Background(), host, port))
	t.Cleanup(func() { _ = ipcon.Disconnect() })
	return ipcon
}

type recordingHandler struct {
	mu           sync.Mutex
	connected    int
	disconnected []protocol.DisconnectReason
}

func (h *recordingHandler) OnConnected(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHandler) OnDisconnected(_ string, reason protocol.DisconnectReason, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, reason)
}

func (h *recordingHandler) reasons() []protocol.DisconnectReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.DisconnectReason(nil), h.disconnected...)
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ipcon := protocol.NewIPConnection(nil, nil)
	err = ipcon.Connect(context.Background(), "127.0.0.1", port)

	var connectErr *protocol.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, port, connectErr.Port)
	assert.Equal(t, protocol.StateDisconnected, ipcon.State())
}

func TestConnect_AlreadyConnected(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)

	host, port := srv.HostPort()
	err := ipcon.Connect(context.Background(), host, port)
	assert.ErrorIs(t, err, protocol.ErrAlreadyConnected)
	assert.Equal(t, protocol.StateConnected, ipcon.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	srv := startServer(t)
	handler := &recordingHandler{}
	ipcon := protocol.NewIPConnection(nil, nil)
	ipcon.SetEventHandler(handler)

	host, port := srv.HostPort()
	require.NoError(t, ipcon.Connect(context.Background(), host, port))

	assert.NoError(t, ipcon.Disconnect())
	assert.NoError(t, ipcon.Disconnect())
	assert.Equal(t, protocol.StateDisconnected, ipcon.State())
	assert.Equal(t, []protocol.DisconnectReason{protocol.DisconnectReasonRequest}, handler.reasons())
	assert.False(t, ipcon.Stats().IsConnected)
}

func TestSendRequest_BeforeConnectPanics(t *testing.T) {
	ipcon := protocol.NewIPConnection(nil, nil)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, protocol.ErrUsedBeforeConnect)
	}()
	_, _ = ipcon.SendRequest(context.Background(), 1, protocol.FunctionGetIdentity, nil)
}

func TestSendRequest_AfterDisconnect(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)
	require.NoError(t, ipcon.Disconnect())

	uid, err := protocol.ParseUID(testUID)
	require.NoError(t, err)
	_, err = ipcon.SendRequest(context.Background(), uid, protocol.FunctionGetIdentity, nil)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}

func TestSendRequest_Identity(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)

	uid, err := protocol.ParseUID(testUID)
	require.NoError(t, err)
	resp, err := ipcon.SendRequest(context.Background(), uid, protocol.FunctionGetIdentity, nil)
	require.NoError(t, err)

	id, err := protocol.ParseIdentity(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, testUID, id.UID)
	assert.Equal(t, uint16(2108), id.DeviceIdentifier)

	stats := ipcon.Stats()
	assert.True(t, stats.IsConnected)
	assert.Equal(t, int64(1), stats.OperationCount)
	assert.Positive(t, stats.BytesWritten)
	assert.Positive(t, stats.BytesRead)
}

func TestSendRequest_NotSupported(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)

	uid, err := protocol.ParseUID(testUID)
	require.NoError(t, err)
	_, err = ipcon.SendRequest(context.Background(), uid, 200, nil)
	assert.ErrorIs(t, err, protocol.ErrFunctionNotSupported)
}

func TestSendRequest_Timeout(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, &protocol.TCPConfig{Timeout: time.Second, ResponseTimeout: 100 * time.Millisecond})

	unknown, err := protocol.ParseUID("abc")
	require.NoError(t, err)
	_, err = ipcon.SendRequest(context.Background(), unknown, protocol.FunctionGetIdentity, nil)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, int64(1), ipcon.Stats().Timeouts)
}

func TestSendRequest_ContextCancelled(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)

	unknown, err := protocol.ParseUID("abc")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ipcon.SendRequest(ctx, unknown, protocol.FunctionGetIdentity, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEnumerate(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)

	events := ipcon.EnumerateReceiver()
	require.NoError(t, ipcon.Enumerate())

	select {
	case ev := <-events:
		assert.Equal(t, testUID, ev.UID)
		assert.Equal(t, uint16(2108), ev.DeviceIdentifier)
		assert.Equal(t, protocol.EnumerationTypeAvailable, ev.EnumerationType)
	case <-time.After(2 * time.Second):
		t.Fatal("no enumerate callback")
	}

	require.NoError(t, ipcon.Disconnect())
	_, ok := <-events
	assert.False(t, ok)
}

func TestRemoteClose(t *testing.T) {
	srv := startServer(t)
	handler := &recordingHandler{}
	ipcon := protocol.NewIPConnection(nil, nil)
	ipcon.SetEventHandler(handler)
	host, port := srv.HostPort()
	require.NoError(t, ipcon.Connect(context.Background(), host, port))

	srv.DropClients()

	assert.Eventually(t, func() bool { return ipcon.State() == protocol.StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, ipcon.Disconnect())
	assert.Equal(t, []protocol.DisconnectReason{protocol.DisconnectReasonError}, handler.reasons())
	assert.Equal(t, 1, handler.connected)
}

func TestGarbageCountsFramingError(t *testing.T) {
	srv := startServer(t)
	ipcon := connect(t, srv, nil)
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 10*time.Millisecond)

	srv.InjectGarbage([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.Eventually(t, func() bool { return ipcon.Stats().FramingErrors == 1 }, 2*time.Second, 10*time.Millisecond)

	uid, err := protocol.ParseUID(testUID)
	require.NoError(t, err)
	_, err = ipcon.SendRequest(context.Background(), uid, protocol.FunctionGetIdentity, nil)
	assert.NoError(t, err)
}
