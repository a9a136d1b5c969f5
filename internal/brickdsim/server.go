// internal/brickdsim/server.go

// Package brickdsim is an in-process brickd that hosts simulated RS232
// Bricklet 2.0 devices. It backs the tests and cmd/fakebrickd.
package brickdsim

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
)

// ErrUnknownDevice is returned by injections addressed to a UID the server does not host
var ErrUnknownDevice = errors.New("unknown device")

// Server speaks the brickd protocol on a TCP listener
type Server struct {
	logger *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	devices  map[uint32]*Device
	clients  map[*client]struct{}
	requests map[uint8]int
	closed   bool

	wg sync.WaitGroup
}

type client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// New creates a server without devices
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger.With(zap.String("component", "brickdsim")),
		devices:  make(map[uint32]*Device),
		clients:  make(map[*client]struct{}),
		requests: make(map[uint8]int),
	}
}

// AddDevice hosts a simulated RS232 Bricklet 2.0 under uid
func (s *Server) AddDevice(uid string) (*Device, error) {
	wireID, err := protocol.ParseUID(uid)
	if err != nil {
		return nil, err
	}
	d := newDevice(uid, wireID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[wireID] = d
	return d, nil
}

// Device returns the simulated device for uid
func (s *Server) Device(uid string) (*Device, error) {
	wireID, err := protocol.ParseUID(uid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[wireID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, uid)
	}
	return d, nil
}

// Start listens on addr, for example "127.0.0.1:0", and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("Simulated brickd listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// HostPort splits Addr for IPConnection.Connect
func (s *Server) HostPort() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tcpAddr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Requests returns how many requests for functionID were served
func (s *Server) Requests(functionID uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[functionID]
}

// Close stops listening and drops every client
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.conn.Close()
	}
	s.wg.Wait()
	return nil
}

// DropClients disconnects every client but keeps listening
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// SetWriteLimit caps the bytes every device accepts per chunk
func (s *Server) SetWriteLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		d.SetWriteLimit(n)
	}
}

// InjectTruncatedStream broadcasts the head chunk of a read stream that never
// completes. The next message the client sees will not continue it.
func (s *Server) InjectTruncatedStream(uid string) error {
	d, err := s.Device(uid)
	if err != nil {
		return err
	}
	head := make([]byte, rs232.ChunkSize)
	for i := range head {
		head[i] = 'x'
	}
	s.broadcast(d.readCallbacks(head, 2*rs232.ChunkSize))
	return nil
}

// InjectError broadcasts a line error callback for uid
func (s *Server) InjectError(uid string, kind model.ErrorKind) error {
	d, err := s.Device(uid)
	if err != nil {
		return err
	}
	payload := protocol.NewPacketWriter().U8(uint8(kind)).Bytes()
	s.broadcast([]protocol.Packet{d.callback(rs232.CallbackError, payload)})
	return nil
}

// InjectData feeds data into uid's RS232 receiver as if it came off the line
func (s *Server) InjectData(uid string, data []byte) error {
	d, err := s.Device(uid)
	if err != nil {
		return err
	}
	s.broadcast(d.receive(data))
	return nil
}

// InjectGarbage writes raw bytes to every client, outside of any packet
func (s *Server) InjectGarbage(data []byte) {
	for _, c := range s.snapshotClients() {
		if err := c.write(data); err != nil {
			s.logger.Debug("Garbage write failed", zap.Error(err))
		}
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) broadcast(packets []protocol.Packet) {
	if len(packets) == 0 {
		return
	}
	for _, c := range s.snapshotClients() {
		for _, p := range packets {
			if err := c.write(p.Bytes()); err != nil {
				s.logger.Debug("Callback write failed", zap.Error(err))
				break
			}
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		c := &client{conn: conn}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	decoder := protocol.NewStreamDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			packets, framingErrors := decoder.Feed(buf[:n])
			if framingErrors > 0 {
				s.logger.Warn("Client sent unframeable bytes", zap.Int("framing_errors", framingErrors))
			}
			for _, p := range packets {
				if err := s.handle(c, p); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(c *client, req protocol.Packet) error {
	s.mu.Lock()
	s.requests[req.Header.FunctionID]++
	s.mu.Unlock()

	if req.Header.UID == protocol.BroadcastUID && req.Header.FunctionID == protocol.FunctionEnumerate {
		return s.enumerate(c)
	}

	s.mu.Lock()
	d, ok := s.devices[req.Header.UID]
	s.mu.Unlock()
	if !ok {
		// brickd stays silent for unknown UIDs; the client times out
		return nil
	}

	payload, code, callbacks := d.handle(req)
	if req.Header.ResponseExpected {
		header := req.Header
		header.ErrorCode = code
		if code != protocol.ErrorCodeOK {
			payload = nil
		}
		response, err := protocol.NewPacket(header, payload)
		if err != nil {
			return err
		}
		if err := c.write(response.Bytes()); err != nil {
			return err
		}
	}
	s.broadcast(callbacks)
	return nil
}

func (s *Server) enumerate(c *client) error {
	s.mu.Lock()
	devices := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	for _, d := range devices {
		w := protocol.WriteIdentity(protocol.NewPacketWriter(), d.identity).
			U8(uint8(protocol.EnumerationTypeAvailable))
		p, err := protocol.NewPacket(protocol.Header{UID: d.wireID, FunctionID: protocol.CallbackEnumerate}, w.Bytes())
		if err != nil {
			return err
		}
		if err := c.write(p.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
