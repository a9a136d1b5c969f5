package rs232_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bricklet-service/internal/brickdsim"
	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

const testUID = "XYZ"

type fixture struct {
	srv      *brickdsim.Server
	device   *brickdsim.Device
	ipcon    *protocol.IPConnection
	bricklet *rs232.Bricklet
}

func setup(t *testing.T) *fixture {
	t.Helper()
	srv := brickdsim.New(nil)
	device, err := srv.AddDevice(testUID)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })

	ipcon := protocol.NewIPConnection(nil, nil)
	host, port := srv.HostPort()
	require.NoError(t, ipcon.Connect(context.Background(), host, port))
	t.Cleanup(func() { _ = ipcon.Disconnect() })

	bricklet, err := rs232.New(testUID, ipcon, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bricklet.Close() })

	return &fixture{srv: srv, device: device, ipcon: ipcon, bricklet: bricklet}
}

func nextEvent(t *testing.T, ch <-chan model.ReadEvent) model.ReadEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "read channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no read event")
		return model.ReadEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan model.ReadEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func assertClosed(t *testing.T, ch <-chan model.ReadEvent) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel still delivering")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestNew_InvalidUID(t *testing.T) {
	_, err := rs232.New("0OIl", protocol.NewIPConnection(nil, nil), nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidUID)
}

func TestLoopback_Test(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	events := f.bricklet.ReadReceiver()
	require.NoError(t, f.bricklet.EnableReadCallback(ctx))

	written, err := f.bricklet.Write(ctx, []byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, written)

	ev := nextEvent(t, events)
	assert.Equal(t, model.ReadEventPayload, ev.Kind)
	assert.Equal(t, "test", ev.Text())
	assert.Equal(t, 4, ev.Meta.Length)
	assert.Equal(t, testUID, ev.Meta.UID)
	assert.Equal(t, "Message (Length: 4) test", ev.String())
	assertNoEvent(t, events)
}

func TestLoopback_OrderAndMultiChunk(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	events := f.bricklet.ReadReceiver()
	require.NoError(t, f.bricklet.EnableReadCallback(ctx))

	long := bytes.Repeat([]byte("0123456789"), 25)
	messages := [][]byte{[]byte("first"), long, []byte("third")}
	for _, m := range messages {
		n, err := f.bricklet.Write(ctx, m)
		require.NoError(t, err)
		require.Equal(t, len(m), n)
	}

	for _, m := range messages {
		ev := nextEvent(t, events)
		require.Equal(t, model.ReadEventPayload, ev.Kind)
		assert.Equal(t, m, ev.Payload)
	}
	assert.Equal(t, rs232.Stats{Messages: 3}, f.bricklet.Stats())
}

func TestWrite_ZeroLength(t *testing.T) {
	f := setup(t)
	events := f.bricklet.ReadReceiver()
	require.NoError(t, f.bricklet.EnableReadCallback(context.Background()))

	n, err := f.bricklet.Write(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.srv.Requests(rs232.FunctionWriteLowLevel))
	assertNoEvent(t, events)
}

func TestWrite_TooLong(t *testing.T) {
	f := setup(t)

	n, err := f.bricklet.Write(context.Background(), make([]byte, rs232.MaxMessageLength+1))
	var writeErr *rs232.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameter)
	assert.Zero(t, n)
	assert.Zero(t, f.srv.Requests(rs232.FunctionWriteLowLevel))
}

func TestWrite_ShortWrite(t *testing.T) {
	f := setup(t)
	f.srv.SetWriteLimit(10)

	n, err := f.bricklet.Write(context.Background(), bytes.Repeat([]byte{'a'}, 100))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 1, f.srv.Requests(rs232.FunctionWriteLowLevel))
}

func TestWrite_AfterDisconnect(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.ipcon.Disconnect())

	_, err := f.bricklet.Write(context.Background(), []byte("test"))
	var writeErr *rs232.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}

func TestWrite_BeforeConnectPanics(t *testing.T) {
	bricklet, err := rs232.New(testUID, protocol.NewIPConnection(nil, nil), nil)
	require.NoError(t, err)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, protocol.ErrUsedBeforeConnect)
	}()
	_, _ = bricklet.Write(context.Background(), []byte("test"))
}

func TestEnableReadCallback_BeforeConnectPanics(t *testing.T) {
	bricklet, err := rs232.New(testUID, protocol.NewIPConnection(nil, nil), nil)
	require.NoError(t, err)

	assert.Panics(t, func() { _ = bricklet.EnableReadCallback(context.Background()) })
}

func TestDesync_TruncatedStream(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	events := f.bricklet.ReadReceiver()
	require.NoError(t, f.bricklet.EnableReadCallback(ctx))

	require.NoError(t, f.srv.InjectTruncatedStream(testUID))
	_, err := f.bricklet.Write(ctx, []byte("after"))
	require.NoError(t, err)
	_, err = f.bricklet.Write(ctx, []byte("again"))
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.True(t, ev.IsDesync())
	assert.Equal(t, "Stream was out of sync.", ev.String())

	ev = nextEvent(t, events)
	assert.Equal(t, "after", ev.Text())
	ev = nextEvent(t, events)
	assert.Equal(t, "again", ev.Text())
	assertNoEvent(t, events)

	assert.Equal(t, rs232.Stats{Messages: 2, Desyncs: 1}, f.bricklet.Stats())
}

func TestDisconnect_ClosesReceivers(t *testing.T) {
	f := setup(t)
	first := f.bricklet.ReadReceiver()
	second := f.bricklet.ReadReceiver()

	require.NoError(t, f.ipcon.Disconnect())
	require.NoError(t, f.ipcon.Disconnect())

	assertClosed(t, first)
	assertClosed(t, second)
}

func TestRemoteClose_ClosesReceivers(t *testing.T) {
	f := setup(t)
	events := f.bricklet.ReadReceiver()

	f.srv.DropClients()
	assertClosed(t, events)
}

func TestClose_ClosesReceivers(t *testing.T) {
	f := setup(t)
	events := f.bricklet.ReadReceiver()

	require.NoError(t, f.bricklet.Close())
	require.NoError(t, f.bricklet.Close())
	assertClosed(t, events)
	assertClosed(t, f.bricklet.ReadReceiver())

	_, err := f.bricklet.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, rs232.ErrDeviceClosed)
}

func TestFanOut(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.bricklet.ReadReceiver()
	b := f.bricklet.ReadReceiver()
	require.NoError(t, f.bricklet.EnableReadCallback(ctx))

	_, err := f.bricklet.Write(ctx, []byte("both"))
	require.NoError(t, err)

	assert.Equal(t, "both", nextEvent(t, a).Text())
	assert.Equal(t, "both", nextEvent(t, b).Text())
}

func TestErrorReceiver(t *testing.T) {
	f := setup(t)
	errs := f.bricklet.ErrorReceiver()

	require.NoError(t, f.srv.InjectError(testUID, model.ErrorKindParity))

	select {
	case ev := <-errs:
		assert.Equal(t, model.ErrorKindParity, ev.Kind)
		assert.Equal(t, testUID, ev.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}
}

func TestRead_Polled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	data, err := f.bricklet.Read(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, data)

	long := bytes.Repeat([]byte("abcdef"), 20)
	_, err = f.bricklet.Write(ctx, long)
	require.NoError(t, err)

	data, err = f.bricklet.Read(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, long[:100], data)

	data, err = f.bricklet.Read(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, long[100:], data)
}

func TestReadCallbackToggle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	enabled, err := f.bricklet.IsReadCallbackEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, f.bricklet.EnableReadCallback(ctx))
	enabled, err = f.bricklet.IsReadCallbackEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, f.device.CallbackEnabled())

	require.NoError(t, f.bricklet.DisableReadCallback(ctx))
	assert.False(t, f.device.CallbackEnabled())
}

func TestConfiguration(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cfg := model.Configuration{BaudRate: 9600, Parity: model.ParityEven, StopBits: 2, WordLength: 7, FlowControl: model.FlowControlSoftware}
	require.NoError(t, f.bricklet.SetConfiguration(ctx, cfg))

	got, err := f.bricklet.GetConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, cfg, f.device.Configuration())

	cfg.BaudRate = 50
	err = f.bricklet.SetConfiguration(ctx, cfg)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameter)
	assert.Equal(t, 1, f.srv.Requests(rs232.FunctionSetConfiguration))
}

func TestBufferConfig(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.bricklet.SetBufferConfig(ctx, model.BufferConfig{SendBufferSize: 2048, ReceiveBufferSize: 8192}))
	got, err := f.bricklet.GetBufferConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BufferConfig{SendBufferSize: 2048, ReceiveBufferSize: 8192}, got)

	err = f.bricklet.SetBufferConfig(ctx, model.BufferConfig{SendBufferSize: 8192, ReceiveBufferSize: 8192})
	assert.ErrorIs(t, err, protocol.ErrInvalidParameter)

	_, err = f.bricklet.Write(ctx, []byte("pending"))
	require.NoError(t, err)
	status, err := f.bricklet.GetBufferStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), status.ReceiveBufferUsed)
}

func TestMiscFunctions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.bricklet.SetBreakCondition(ctx, 250*time.Millisecond))
	assert.Equal(t, []uint16{250}, f.device.Breaks())
	assert.ErrorIs(t, f.bricklet.SetBreakCondition(ctx, time.Minute*2), protocol.ErrInvalidParameter)

	require.NoError(t, f.bricklet.SetStatusLEDConfig(ctx, model.StatusLEDOff))
	led, err := f.bricklet.GetStatusLEDConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLEDOff, led)

	temperature, err := f.bricklet.GetChipTemperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, int16(32), temperature)

	counts, err := f.bricklet.GetSPITFPErrorCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts)

	identity, err := f.bricklet.GetIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, testUID, identity.UID)
	assert.Equal(t, f.bricklet.DeviceIdentifier(), identity.DeviceIdentifier)

	require.NoError(t, f.bricklet.EnableReadCallback(ctx))
	require.NoError(t, f.bricklet.Reset(ctx))
	assert.False(t, f.device.CallbackEnabled())
}
