// internal/protocol/ip_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bricklet-service/internal/eventqueue"
)

// IPConnection is a session to brickd shared by any number of device proxies.
// One goroutine reads the socket, a second one dispatches callbacks in order.
type IPConnection struct {
	config *TCPConfig
	logger *zap.Logger

	mu        sync.Mutex
	state     ConnectionState
	session   *session
	last      *session
	host      string
	port      int
	connected atomic.Bool // set by the first successful Connect
	handler   EventHandler

	devicesMu sync.RWMutex
	devices   map[uint32]CallbackReceiver
	locks     map[uint32]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[requestKey]chan Packet
	sequence  uint8

	enumerations *eventqueue.Hub[EnumerateEvent]

	statsMu sync.Mutex
	stats   ProtocolStats
}

type requestKey struct {
	uid        uint32
	functionID uint8
	sequence   uint8
}

type session struct {
	conn      net.Conn
	addr      string
	sendMu    sync.Mutex
	callbacks *eventqueue.Queue[Packet]

	receiveDone  chan struct{}
	dispatchDone chan struct{}
	closed       chan struct{}
}

// NewIPConnection creates a disconnected handle. A nil config uses DefaultTCPConfig.
func NewIPConnection(config *TCPConfig, logger *zap.Logger) *IPConnection {
	defaults := DefaultTCPConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaults.ResponseTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPConnection{
		config:       &cfg,
		logger:       logger.With(zap.String("protocol", "tfp")),
		devices:      make(map[uint32]CallbackReceiver),
		locks:        make(map[uint32]*sync.Mutex),
		pending:      make(map[requestKey]chan Packet),
		enumerations: eventqueue.NewHub[EnumerateEvent](),
	}
}

// Connect opens the session to host:port. Any failure is a *ConnectError and
// leaves the handle disconnected.
func (c *IPConnection) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return &ConnectError{Host: host, Port: port, Err: ErrAlreadyConnected}
	}
	c.state = StateConnecting
	c.host, c.port = host, port
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c.logger.Info("Opening brickd connection", zap.String("addr", addr))

	dialer := &net.Dialer{Timeout: c.config.Timeout}
	if c.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	} else {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.countError()
		c.logger.Error("Failed to open brickd connection", zap.String("addr", addr), zap.Error(err))
		return &ConnectError{Host: host, Port: port, Err: err}
	}

	sess := &session{
		conn:         conn,
		addr:         addr,
		callbacks:    eventqueue.New[Packet](),
		receiveDone:  make(chan struct{}),
		dispatchDone: make(chan struct{}),
		closed:       make(chan struct{}),
	}

	c.mu.Lock()
	c.session = sess
	c.state = StateConnected
	handler := c.handler
	c.mu.Unlock()
	c.connected.Store(true)

	c.statsMu.Lock()
	c.stats.IsConnected = true
	c.stats.LastActivity = time.Now()
	c.statsMu.Unlock()

	go c.receiveLoop(sess)
	go c.dispatchLoop(sess)

	c.logger.Info("Brickd connection opened", zap.String("addr", addr))
	if handler != nil {
		handler.OnConnected(addr)
	}
	return nil
}

// Disconnect closes the session. It is idempotent, and on return every
// subscription that depended on the session is closed.
func (c *IPConnection) Disconnect() error {
	c.mu.Lock()
	sess := c.session
	last := c.last
	c.mu.Unlock()

	if sess == nil {
		// a remote close may still be tearing the last session down
		if last != nil {
			<-last.closed
		}
		return nil
	}

	c.teardown(sess, DisconnectReasonRequest, nil)
	<-sess.closed
	return nil
}

// teardown runs once per session, from Disconnect or from the receive loop
func (c *IPConnection) teardown(sess *session, reason DisconnectReason, cause error) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.last = sess
	c.state = StateDisconnected
	handler := c.handler
	c.mu.Unlock()

	_ = sess.conn.Close()
	if reason == DisconnectReasonRequest {
		<-sess.receiveDone
	}
	sess.callbacks.Close()
	<-sess.dispatchDone

	c.failPending()

	c.devicesMu.RLock()
	devices := make([]CallbackReceiver, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.devicesMu.RUnlock()
	for _, d := range devices {
		d.ConnectionClosed()
	}
	c.enumerations.Reset()

	c.statsMu.Lock()
	c.stats.IsConnected = false
	c.statsMu.Unlock()

	if reason == DisconnectReasonError {
		c.logger.Warn("Brickd connection lost", zap.String("addr", sess.addr), zap.Error(cause))
	} else {
		c.logger.Info("Brickd connection closed", zap.String("addr", sess.addr))
	}
	if handler != nil {
		handler.OnDisconnected(sess.addr, reason, cause)
	}
	close(sess.closed)
}

func (c *IPConnection) receiveLoop(sess *session) {
	defer close(sess.receiveDone)

	decoder := NewStreamDecoder()
	buf := make([]byte, c.config.BufferSize)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			c.addRead(n)
			packets, framingErrors := decoder.Feed(buf[:n])
			if framingErrors > 0 {
				c.countFramingErrors(framingErrors)
				c.logger.Warn("Dropped unframeable bytes from brickd", zap.Int("framing_errors", framingErrors))
			}
			for _, p := range packets {
				c.route(sess, p)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by peer: %w", err)
			}
			c.teardown(sess, DisconnectReasonError, err)
			return
		}
	}
}

func (c *IPConnection) route(sess *session, p Packet) {
	if p.Header.IsCallback() {
		c.statsMu.Lock()
		c.stats.CallbackCount++
		c.statsMu.Unlock()
		sess.callbacks.Push(p)
		return
	}

	key := requestKey{uid: p.Header.UID, functionID: p.Header.FunctionID, sequence: p.Header.Sequence}
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Dropped response without pending request",
			zap.String("uid", FormatUID(p.Header.UID)),
			zap.Uint8("function_id", p.Header.FunctionID),
			zap.Uint8("sequence", p.Header.Sequence),
		)
		return
	}
	ch <- p
}

func (c *IPConnection) dispatchLoop(sess *session) {
	defer close(sess.dispatchDone)

	for p := range sess.callbacks.Out() {
		if p.Header.FunctionID == CallbackEnumerate {
			ev, err := ParseEnumerateEvent(p.Payload)
			if err != nil {
				c.logger.Warn("Invalid enumerate callback", zap.Error(err))
				continue
			}
			c.enumerations.Publish(ev)
			continue
		}

		c.devicesMu.RLock()
		device, ok := c.devices[p.Header.UID]
		c.devicesMu.RUnlock()
		if !ok {
			continue
		}
		device.HandleCallback(p)
	}
}

func (c *IPConnection) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for key, ch := range c.pending {
		close(ch)
		delete(c.pending, key)
	}
}

// RegisterDevice routes callbacks for uid to receiver
func (c *IPConnection) RegisterDevice(uid uint32, receiver CallbackReceiver) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	c.devices[uid] = receiver
	if _, ok := c.locks[uid]; !ok {
		c.locks[uid] = &sync.Mutex{}
	}
}

// UnregisterDevice stops routing callbacks for uid
func (c *IPConnection) UnregisterDevice(uid uint32, receiver CallbackReceiver) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	if c.devices[uid] == receiver {
		delete(c.devices, uid)
	}
}

func (c *IPConnection) deviceLock(uid uint32) *sync.Mutex {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	l, ok := c.locks[uid]
	if !ok {
		l = &sync.Mutex{}
		c.locks[uid] = l
	}
	return l
}

// MustBeUsable panics when no Connect has ever succeeded
func (c *IPConnection) MustBeUsable() {
	if !c.connected.Load() {
		panic(fmt.Errorf("%w: call Connect before issuing device operations", ErrUsedBeforeConnect))
	}
}

func (c *IPConnection) activeSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

func (c *IPConnection) nextSequence() uint8 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.sequence = c.sequence%15 + 1
	return c.sequence
}

// SendRequest sends a request to uid and waits for the matching response.
// Only one request per device is in flight at a time. A non-OK error code in
// the response is returned as the matching sentinel error.
//
// Calling it before the first successful Connect panics.
func (c *IPConnection) SendRequest(ctx context.Context, uid uint32, functionID uint8, payload []byte) (Packet, error) {
	c.MustBeUsable()

	lock := c.deviceLock(uid)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.activeSession()
	if err != nil {
		return Packet{}, err
	}

	seq := c.nextSequence()
	request, err := NewPacket(Header{UID: uid, FunctionID: functionID, Sequence: seq, ResponseExpected: true}, payload)
	if err != nil {
		return Packet{}, err
	}

	key := requestKey{uid: uid, functionID: functionID, sequence: seq}
	ch := make(chan Packet, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	start := time.Now()
	if err := c.send(sess, request.Bytes()); err != nil {
		return Packet{}, err
	}

	timer := time.NewTimer(c.config.ResponseTimeout)
	defer timer.Stop()

	select {
	case response, ok := <-ch:
		if !ok {
			return Packet{}, ErrNotConnected
		}
		c.statsMu.Lock()
		c.stats.OperationCount++
		c.stats.updateAverageLatency(time.Since(start))
		c.statsMu.Unlock()
		if err := response.Header.ErrorCode.Err(); err != nil {
			c.countError()
			return response, fmt.Errorf("function %d on %s: %w", functionID, FormatUID(uid), err)
		}
		return response, nil
	case <-timer.C:
		c.statsMu.Lock()
		c.stats.Timeouts++
		c.stats.ErrorCount++
		c.statsMu.Unlock()
		return Packet{}, fmt.Errorf("function %d on %s: %w", functionID, FormatUID(uid), ErrTimeout)
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Send writes a request that expects no response
func (c *IPConnection) Send(uid uint32, functionID uint8, payload []byte) error {
	c.MustBeUsable()

	sess, err := c.activeSession()
	if err != nil {
		return err
	}
	request, err := NewPacket(Header{UID: uid, FunctionID: functionID, Sequence: c.nextSequence()}, payload)
	if err != nil {
		return err
	}
	return c.send(sess, request.Bytes())
}

func (c *IPConnection) send(sess *session, data []byte) error {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if _, err := sess.conn.Write(data); err != nil {
		c.countError()
		return fmt.Errorf("%w: write to %s: %v", ErrNotConnected, sess.addr, err)
	}

	c.statsMu.Lock()
	c.stats.BytesWritten += int64(len(data))
	c.stats.LastActivity = time.Now()
	c.statsMu.Unlock()
	return nil
}

// Enumerate asks every device behind brickd to announce itself.
// Answers arrive on EnumerateReceiver channels.
func (c *IPConnection) Enumerate() error {
	return c.Send(BroadcastUID, FunctionEnumerate, nil)
}

// EnumerateReceiver subscribes to enumerate callbacks until the session ends
func (c *IPConnection) EnumerateReceiver() <-chan EnumerateEvent {
	return c.enumerations.Subscribe()
}

// UnsubscribeEnumerate drops a channel returned by EnumerateReceiver
func (c *IPConnection) UnsubscribeEnumerate(ch <-chan EnumerateEvent) {
	c.enumerations.Unsubscribe(ch)
}

// SetEventHandler installs the connection lifecycle handler
func (c *IPConnection) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// State returns the current connection state
func (c *IPConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a session is open
func (c *IPConnection) IsConnected() bool {
	return c.State() == StateConnected
}

// Addr returns the last host and port passed to Connect
func (c *IPConnection) Addr() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, c.port
}

// Stats returns a snapshot of the connection statistics
func (c *IPConnection) Stats() ProtocolStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *IPConnection) addRead(n int) {
	c.statsMu.Lock()
	c.stats.BytesRead += int64(n)
	c.stats.LastActivity = time.Now()
	c.statsMu.Unlock()
}

func (c *IPConnection) countError() {
	c.statsMu.Lock()
	c.stats.ErrorCount++
	c.statsMu.Unlock()
}

func (c *IPConnection) countFramingErrors(n int) {
	c.statsMu.Lock()
	c.stats.FramingErrors += int64(n)
	c.stats.ErrorCount += int64(n)
	c.statsMu.Unlock()
}
