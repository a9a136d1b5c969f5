// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
	internalDriver "bricklet-service/internal/driver"
	"bricklet-service/internal/metrics"
	"bricklet-service/internal/model"
	"bricklet-service/internal/protocol"
	"bricklet-service/internal/utils"
	"bricklet-service/pkg/driver"
)

// ErrDeviceNotReady is returned by operations before Start succeeded
var ErrDeviceNotReady = errors.New("device not ready")

// Bricklet is the full surface of an RS232 Bricklet 2.0 proxy
type Bricklet interface {
	driver.SerialDevice

	SetBreakCondition(ctx context.Context, d time.Duration) error
	SetBufferConfig(ctx context.Context, cfg model.BufferConfig) error
	GetBufferConfig(ctx context.Context) (model.BufferConfig, error)
	GetBufferStatus(ctx context.Context) (model.BufferStatus, error)
	GetSPITFPErrorCount(ctx context.Context) (model.SPITFPErrorCount, error)
	SetStatusLEDConfig(ctx context.Context, cfg model.StatusLEDConfig) error
	GetStatusLEDConfig(ctx context.Context) (model.StatusLEDConfig, error)
	GetChipTemperature(ctx context.Context) (int16, error)
	Reset(ctx context.Context) error
}

// WriteResult reports how much of a message the bricklet accepted
type WriteResult struct {
	Requested int `json:"requested"`
	Written   int `json:"written"`
}

// DeviceService owns the brickd connection and the configured bricklet
type DeviceService struct {
	ipcon    *protocol.IPConnection
	registry *internalDriver.Registry
	monitor  *ReadMonitor
	metrics  *metrics.AppMetrics
	config   *config.Config
	logger   *utils.ServiceLogger

	mu     sync.RWMutex
	device Bricklet

	lost   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeviceService creates a new device service instance
func NewDeviceService(
	ipcon *protocol.IPConnection,
	registry *internalDriver.Registry,
	monitor *ReadMonitor,
	appMetrics *metrics.AppMetrics,
	config *config.Config,
	logger *zap.Logger,
) *DeviceService {
	ds := &DeviceService{
		ipcon:    ipcon,
		registry: registry,
		monitor:  monitor,
		metrics:  appMetrics,
		config:   config,
		logger:   utils.NewServiceLogger(utils.OrNop(logger), "device-service"),
		lost:     make(chan struct{}, 1),
	}
	ipcon.SetEventHandler(ds)
	return ds
}

// Start connects to brickd, creates the bricklet proxy, applies the configured
// settings and starts monitoring. With auto reconnect on, a lost connection is
// reopened in the background until Stop.
func (ds *DeviceService) Start(ctx context.Context) error {
	if ds.config.Device.UID == "" {
		return fmt.Errorf("device.uid is required: %w", protocol.ErrInvalidUID)
	}

	if err := ds.connect(ctx); err != nil {
		return err
	}

	instance, err := ds.registry.CreateDriver(model.DeviceType(ds.config.Device.Type), ds.config.Device.UID, ds.ipcon)
	if err != nil {
		_ = ds.ipcon.Disconnect()
		return fmt.Errorf("failed to create driver: %w", err)
	}
	device, ok := instance.(Bricklet)
	if !ok {
		_ = instance.Close()
		_ = ds.ipcon.Disconnect()
		return fmt.Errorf("driver for %q: %w", ds.config.Device.Type, protocol.ErrFunctionNotSupported)
	}

	ds.mu.Lock()
	ds.device = device
	ds.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel

	if err := ds.startSession(ctx, runCtx); err != nil {
		ds.Stop()
		return err
	}

	if ds.config.Brickd.AutoReconnect {
		ds.wg.Add(1)
		go ds.supervise(runCtx)
	}
	return nil
}

// Stop detaches the bricklet and closes the connection
func (ds *DeviceService) Stop() {
	if ds.cancel != nil {
		ds.cancel()
	}

	ds.mu.Lock()
	device := ds.device
	ds.device = nil
	ds.mu.Unlock()

	if device != nil {
		_ = device.Close()
	}
	_ = ds.ipcon.Disconnect()
	ds.wg.Wait()
	ds.logger.LogServiceStop("stopped")
}

// OnConnected implements protocol.EventHandler
func (ds *DeviceService) OnConnected(addr string) {
	if ds.metrics != nil {
		ds.metrics.SetConnected(true)
	}
}

// OnDisconnected implements protocol.EventHandler
func (ds *DeviceService) OnDisconnected(addr string, reason protocol.DisconnectReason, err error) {
	if ds.metrics != nil {
		ds.metrics.SetConnected(false)
	}
	if reason == protocol.DisconnectReasonRequest {
		return
	}
	ds.logger.Warn("Brickd connection lost", zap.String("addr", addr), zap.Error(err))
	select {
	case ds.lost <- struct{}{}:
	default:
	}
}

func (ds *DeviceService) connect(ctx context.Context) error {
	connectCtx := ctx
	if timeout := ds.config.Brickd.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, ds.config.Device.UID, ds.config.Device.Type)
	err := ds.ipcon.Connect(connectCtx, ds.config.Brickd.Host, ds.config.Brickd.Port)
	deviceLogger.LogConnection("connect", err == nil, err)
	return err
}

// startSession configures the bricklet for a fresh session and subscribes the monitor
func (ds *DeviceService) startSession(ctx, runCtx context.Context) error {
	device, err := ds.bricklet()
	if err != nil {
		return err
	}

	// subscribe before enabling callbacks so nothing is missed
	reads := device.ReadReceiver()
	errs := device.ErrorReceiver()
	ds.wg.Add(2)
	go func() {
		defer ds.wg.Done()
		ds.monitor.Run(runCtx, reads)
	}()
	go func() {
		defer ds.wg.Done()
		ds.monitor.RunErrors(runCtx, errs)
	}()

	opCtx, cancel := context.WithTimeout(ctx, ds.config.Device.OperationTimeout)
	defer cancel()

	if ds.config.Device.ApplyConfiguration {
		line, err := LineConfiguration(&ds.config.Device.Serial)
		if err != nil {
			return err
		}
		if err := device.SetConfiguration(opCtx, line); err != nil {
			return err
		}
		buffer := model.BufferConfig{
			SendBufferSize:    uint16(ds.config.Device.Buffer.SendSize),
			ReceiveBufferSize: uint16(ds.config.Device.Buffer.ReceiveSize),
		}
		if err := device.SetBufferConfig(opCtx, buffer); err != nil {
			return err
		}
	}
	if ds.config.Device.EnableReadCallback {
		if err := device.EnableReadCallback(opCtx); err != nil {
			return err
		}
	}

	ds.logger.Info("Bricklet session ready",
		zap.String("uid", device.UID()),
		zap.Bool("read_callback", ds.config.Device.EnableReadCallback),
	)
	return nil
}

func (ds *DeviceService) supervise(ctx context.Context) {
	defer ds.wg.Done()

	interval := ds.config.Brickd.ReconnectInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ds.lost:
		}

		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}

			if err := ds.connect(ctx); err != nil {
				ds.logger.Debug("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				_ = ds.ipcon.Disconnect()
				return
			}
			if err := ds.startSession(ctx, ctx); err != nil {
				ds.logger.Error("Failed to restore bricklet session", zap.Error(err))
				_ = ds.ipcon.Disconnect()
				continue
			}
			ds.logger.Info("Brickd connection restored", zap.Int("attempts", attempt))
			break
		}
	}
}

func (ds *DeviceService) bricklet() (Bricklet, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.device == nil {
		return nil, ErrDeviceNotReady
	}
	return ds.device, nil
}

// run executes one device operation with the operation timeout
func (ds *DeviceService) run(ctx context.Context, name string, fn func(ctx context.Context, device Bricklet) error, fields ...zap.Field) error {
	device, err := ds.bricklet()
	if err != nil {
		return err
	}
	if !ds.ipcon.IsConnected() {
		return protocol.ErrNotConnected
	}

	opLogger := utils.NewOperationLogger(ds.logger.Logger, name, uuid.NewString())
	opLogger.Start(fields...)

	opCtx, cancel := context.WithTimeout(ctx, ds.config.Device.OperationTimeout)
	defer cancel()

	start := time.Now()
	err = fn(opCtx, device)
	if ds.metrics != nil {
		ds.metrics.ObserveOperation(name, time.Since(start).Seconds(), err)
	}
	if err != nil {
		opLogger.Error(err)
		return err
	}
	opLogger.Success()
	return nil
}

// Write sends message to the RS232 line
func (ds *DeviceService) Write(ctx context.Context, message []byte) (*WriteResult, error) {
	result := &WriteResult{Requested: len(message)}
	err := ds.run(ctx, "write", func(ctx context.Context, device Bricklet) error {
		n, err := device.Write(ctx, message)
		result.Written = n
		return err
	}, zap.Int("length", len(message)))
	if ds.metrics != nil && result.Written > 0 {
		ds.metrics.WrittenBytes.Add(float64(result.Written))
	}
	return result, err
}

// Read polls up to length bytes. Only useful with the read callback disabled.
func (ds *DeviceService) Read(ctx context.Context, length uint16) ([]byte, error) {
	var data []byte
	err := ds.run(ctx, "read", func(ctx context.Context, device Bricklet) error {
		var err error
		data, err = device.Read(ctx, length)
		return err
	}, zap.Uint16("length", length))
	return data, err
}

// SetReadCallback switches between callback and polling mode
func (ds *DeviceService) SetReadCallback(ctx context.Context, enabled bool) error {
	return ds.run(ctx, "set_read_callback", func(ctx context.Context, device Bricklet) error {
		if enabled {
			return device.EnableReadCallback(ctx)
		}
		return device.DisableReadCallback(ctx)
	}, zap.Bool("enabled", enabled))
}

// IsReadCallbackEnabled reports the callback mode
func (ds *DeviceService) IsReadCallbackEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := ds.run(ctx, "is_read_callback_enabled", func(ctx context.Context, device Bricklet) error {
		var err error
		enabled, err = device.IsReadCallbackEnabled(ctx)
		return err
	})
	return enabled, err
}

// GetConfiguration returns the line configuration
func (ds *DeviceService) GetConfiguration(ctx context.Context) (model.Configuration, error) {
	var cfg model.Configuration
	err := ds.run(ctx, "get_configuration", func(ctx context.Context, device Bricklet) error {
		var err error
		cfg, err = device.GetConfiguration(ctx)
		return err
	})
	return cfg, err
}

// SetConfiguration sets the line configuration
func (ds *DeviceService) SetConfiguration(ctx context.Context, cfg model.Configuration) error {
	return ds.run(ctx, "set_configuration", func(ctx context.Context, device Bricklet) error {
		return device.SetConfiguration(ctx, cfg)
	}, zap.Uint32("baud_rate", cfg.BaudRate), zap.Stringer("parity", cfg.Parity))
}

// GetBufferConfig returns the buffer split
func (ds *DeviceService) GetBufferConfig(ctx context.Context) (model.BufferConfig, error) {
	var cfg model.BufferConfig
	err := ds.run(ctx, "get_buffer_config", func(ctx context.Context, device Bricklet) error {
		var err error
		cfg, err = device.GetBufferConfig(ctx)
		return err
	})
	return cfg, err
}

// SetBufferConfig sets the buffer split
func (ds *DeviceService) SetBufferConfig(ctx context.Context, cfg model.BufferConfig) error {
	return ds.run(ctx, "set_buffer_config", func(ctx context.Context, device Bricklet) error {
		return device.SetBufferConfig(ctx, cfg)
	}, zap.Uint16("send", cfg.SendBufferSize), zap.Uint16("receive", cfg.ReceiveBufferSize))
}

// GetBufferStatus returns buffer usage
func (ds *DeviceService) GetBufferStatus(ctx context.Context) (model.BufferStatus, error) {
	var status model.BufferStatus
	err := ds.run(ctx, "get_buffer_status", func(ctx context.Context, device Bricklet) error {
		var err error
		status, err = device.GetBufferStatus(ctx)
		return err
	})
	return status, err
}

// SetBreakCondition holds TX low for d
func (ds *DeviceService) SetBreakCondition(ctx context.Context, d time.Duration) error {
	return ds.run(ctx, "set_break_condition", func(ctx context.Context, device Bricklet) error {
		return device.SetBreakCondition(ctx, d)
	}, zap.Duration("duration", d))
}

// GetStatusLEDConfig returns the status LED mode
func (ds *DeviceService) GetStatusLEDConfig(ctx context.Context) (model.StatusLEDConfig, error) {
	var cfg model.StatusLEDConfig
	err := ds.run(ctx, "get_status_led_config", func(ctx context.Context, device Bricklet) error {
		var err error
		cfg, err = device.GetStatusLEDConfig(ctx)
		return err
	})
	return cfg, err
}

// SetStatusLEDConfig sets the status LED mode
func (ds *DeviceService) SetStatusLEDConfig(ctx context.Context, cfg model.StatusLEDConfig) error {
	return ds.run(ctx, "set_status_led_config", func(ctx context.Context, device Bricklet) error {
		return device.SetStatusLEDConfig(ctx, cfg)
	}, zap.Stringer("mode", cfg))
}

// GetChipTemperature returns the MCU temperature in °C
func (ds *DeviceService) GetChipTemperature(ctx context.Context) (int16, error) {
	var temperature int16
	err := ds.run(ctx, "get_chip_temperature", func(ctx context.Context, device Bricklet) error {
		var err error
		temperature, err = device.GetChipTemperature(ctx)
		return err
	})
	return temperature, err
}

// GetSPITFPErrorCount returns the bricklet link error counters
func (ds *DeviceService) GetSPITFPErrorCount(ctx context.Context) (model.SPITFPErrorCount, error) {
	var count model.SPITFPErrorCount
	err := ds.run(ctx, "get_spitfp_error_count", func(ctx context.Context, device Bricklet) error {
		var err error
		count, err = device.GetSPITFPErrorCount(ctx)
		return err
	})
	return count, err
}

// Reset restarts the bricklet
func (ds *DeviceService) Reset(ctx context.Context) error {
	return ds.run(ctx, "reset", func(ctx context.Context, device Bricklet) error {
		return device.Reset(ctx)
	})
}

// GetIdentity returns the bricklet identity
func (ds *DeviceService) GetIdentity(ctx context.Context) (protocol.Identity, error) {
	var identity protocol.Identity
	err := ds.run(ctx, "get_identity", func(ctx context.Context, device Bricklet) error {
		var err error
		identity, err = device.GetIdentity(ctx)
		return err
	})
	return identity, err
}

// Info summarizes the device. The identity is only fetched while connected.
func (ds *DeviceService) Info(ctx context.Context) *model.DeviceInfo {
	host, port := ds.ipcon.Addr()
	info := &model.DeviceInfo{
		UID:             ds.config.Device.UID,
		DeviceType:      model.DeviceType(ds.config.Device.Type),
		ConnectionState: ds.ipcon.State().String(),
		BrickdAddr:      fmt.Sprintf("%s:%d", host, port),
		Stats:           ds.ipcon.Stats(),
		CheckedAt:       time.Now(),
	}
	if ds.ipcon.IsConnected() {
		if identity, err := ds.GetIdentity(ctx); err == nil {
			info.Identity = &identity
		}
	}
	return info
}

// IsConnected reports whether the brickd session is up
func (ds *DeviceService) IsConnected() bool {
	return ds.ipcon.IsConnected()
}

// MonitorStats returns what the read monitor has seen
func (ds *DeviceService) MonitorStats() MonitorStats {
	return ds.monitor.Stats()
}

// LineConfiguration converts the configured line settings
func LineConfiguration(cfg *config.SerialLineConfig) (model.Configuration, error) {
	parity, err := model.ParseParity(cfg.Parity)
	if err != nil {
		return model.Configuration{}, err
	}
	flow, err := model.ParseFlowControl(cfg.FlowControl)
	if err != nil {
		return model.Configuration{}, err
	}
	line := model.Configuration{
		BaudRate:    uint32(cfg.BaudRate),
		Parity:      parity,
		StopBits:    uint8(cfg.StopBits),
		WordLength:  uint8(cfg.WordLength),
		FlowControl: flow,
	}
	return line, line.Validate()
}
