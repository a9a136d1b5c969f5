// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	_ "bricklet-service/docs"
	"bricklet-service/internal/config"
	"bricklet-service/internal/database"
	"bricklet-service/internal/driver"
	"bricklet-service/internal/handler"
	"bricklet-service/internal/metrics"
	"bricklet-service/internal/model"
	"bricklet-service/internal/mqtt"
	"bricklet-service/internal/protocol"
	"bricklet-service/internal/relay"
	"bricklet-service/internal/repository"
	"bricklet-service/internal/routes"
	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = time.Hour
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB

	registry   *prometheus.Registry
	appMetrics *metrics.AppMetrics

	ipcon          *protocol.IPConnection
	driverRegistry *driver.Registry
	monitor        *service.ReadMonitor

	// Services
	deviceService    *service.DeviceService
	discoveryService *service.DiscoveryService
	journal          *service.Journal

	// Repositories
	eventRepo  repository.EventRepository
	deviceRepo repository.DeviceRepository

	// Sinks
	wsHandler     *handler.WebSocketHandler
	mqttPublisher *mqtt.Publisher
	relay         *relay.Relay
	relayPort     *protocol.SerialConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// @title Bricklet Service API
// @version 1.0.0
// @description RS232 Bricklet 2.0 access over brickd

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8084
// @BasePath /api/v1
func main() {
	flags := pflag.NewFlagSet("bricklet-service", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to a config file")
	flags.String("brickd-host", protocol.DefaultHost, "brickd host")
	flags.Int("brickd-port", protocol.DefaultPort, "brickd port")
	flags.String("uid", "", "UID of the RS232 Bricklet 2.0")
	flags.String("log-level", "info", "log level")
	migrateMode := flags.String("migrate", "", "run a journal migration (up, down, version, force) and exit")
	migrateVersion := flags.Int("migrate-version", -1, "target version for --migrate force")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	for key, flag := range map[string]string{
		"brickd.host":   "brickd-host",
		"brickd.port":   "brickd-port",
		"device.uid":    "uid",
		"logging.level": "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Printf("Failed to bind flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}

	if *migrateMode != "" {
		if err := runMigration(v, *configPath, *migrateMode, *migrateVersion); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := NewApplication(v, *configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// runMigration applies one migrate command against the journal database
func runMigration(v *viper.Viper, configPath, mode string, version int) error {
	cfg, err := config.LoadWithViper(v, configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if mode == "force" && version < 0 {
		return errors.New("--migrate force requires --migrate-version")
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = utils.CloseLogger(logger) }()

	return database.NewMigrator(cfg, logger).Run(mode, version)
}

// NewApplication creates a new application instance
func NewApplication(v *viper.Viper, configPath string) (*Application, error) {
	cfg, err := config.LoadWithViper(v, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "bricklet-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"metrics", app.initializeMetrics},
		{"database", app.initializeDatabase},
		{"driver registry", app.initializeDriverRegistry},
		{"sinks", app.initializeSinks},
		{"services", app.initializeServices},
		{"relay", app.initializeRelay},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			app.shutdown()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initializeMetrics creates the Prometheus registry
func (app *Application) initializeMetrics() error {
	if !app.config.Metrics.Enabled {
		return nil
	}
	app.registry = metrics.NewRegistry()
	app.appMetrics = metrics.NewAppMetrics(app.registry)
	return nil
}

// initializeDatabase sets up the journal database and runs migrations
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Event journal disabled")
		return nil
	}

	if app.config.Database.AutoMigrate {
		if err := database.NewMigrator(app.config, app.logger).Up(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(app.ctx, 10*time.Second)
	defer cancel()
	db, err := database.Connect(ctx, app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	app.eventRepo = repository.NewEventRepository(db, app.logger)
	app.deviceRepo = repository.NewDeviceRepository(db, app.logger)
	app.journal = service.NewJournal(app.eventRepo, app.logger)

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeDriverRegistry sets up device driver registry
func (app *Application) initializeDriverRegistry() error {
	app.driverRegistry = driver.NewRegistry(app.logger)
	driver.RegisterDefaultDrivers(app.driverRegistry)

	deviceType := model.DeviceType(app.config.Device.Type)
	if !app.driverRegistry.IsSupported(deviceType) {
		return fmt.Errorf("no driver for device type %q", deviceType)
	}

	app.logger.Info("Driver registry initialized successfully",
		zap.Int("registered_drivers", len(app.driverRegistry.ListDrivers())),
	)
	return nil
}

// initializeSinks builds the read monitor and everything it fans out to
func (app *Application) initializeSinks() error {
	app.monitor = service.NewReadMonitor(app.logger)

	if app.appMetrics != nil {
		app.monitor.AddSink(app.appMetrics)
	}
	if app.journal != nil {
		app.monitor.AddSink(app.journal)
	}

	if app.config.MQTT.Enabled {
		publisher, err := mqtt.Connect(&app.config.MQTT, app.logger)
		if err != nil {
			return err
		}
		app.mqttPublisher = publisher
		app.monitor.AddSink(publisher)
	}
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.ipcon = protocol.NewIPConnection(&protocol.TCPConfig{
		Host:            app.config.Brickd.Host,
		Port:            app.config.Brickd.Port,
		KeepAlive:       app.config.Brickd.KeepAlive,
		Timeout:         app.config.Brickd.ConnectTimeout,
		ResponseTimeout: app.config.Brickd.ResponseTimeout,
	}, app.logger)
	if app.registry != nil {
		metrics.RegisterConnectionStats(app.registry, app.ipcon.Stats)
	}

	app.deviceService = service.NewDeviceService(
		app.ipcon,
		app.driverRegistry,
		app.monitor,
		app.appMetrics,
		app.config,
		app.logger,
	)

	app.discoveryService = service.NewDiscoveryService(
		app.ipcon,
		app.driverRegistry,
		app.deviceRepo,
		app.config.Brickd.ScanWindow,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeRelay opens the relay port when configured
func (app *Application) initializeRelay() error {
	if !app.config.Relay.Enabled {
		return nil
	}

	app.relayPort = protocol.NewSerialConnection(&protocol.SerialConfig{
		Port:     app.config.Relay.Port,
		BaudRate: app.config.Relay.BaudRate,
		DataBits: app.config.Relay.DataBits,
		StopBits: app.config.Relay.StopBits,
		Parity:   app.config.Relay.Parity,
		Timeout:  app.config.Relay.ReadTimeout,
	}, app.logger)
	if err := app.relayPort.Open(app.ctx); err != nil {
		return err
	}

	app.relay = relay.New(app.relayPort, app.deviceService, app.logger)
	app.monitor.AddSink(app.relay)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	if !app.config.Server.Enabled {
		return nil
	}

	app.wsHandler = handler.NewWebSocketHandler(app.deviceService, &app.config.Security, app.logger)
	app.monitor.AddSink(app.wsHandler.EventBus())
	if app.registry != nil {
		metrics.RegisterDroppedEvents(app.registry, "websocket", app.wsHandler.EventBus().Dropped)
	}

	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.registry,
		app.deviceService,
		app.discoveryService,
		app.journal,
		app.wsHandler,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("debug", app.config.IsDebugEnabled()),
	)
	return nil
}

// Start runs the application until a shutdown signal arrives
func (app *Application) Start() error {
	if app.server != nil {
		go func() {
			app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
			}
		}()
	}

	if app.wsHandler != nil {
		app.goBackground(func() { app.wsHandler.EventBus().Start(app.ctx) })
	}

	if err := app.startDevice(); err != nil {
		app.shutdown()
		return err
	}

	app.startBackgroundServices()
	app.waitForShutdown()
	return nil
}

// startDevice connects the bricklet. With auto reconnect on, a failed first
// attempt is retried in the background instead of aborting.
func (app *Application) startDevice() error {
	err := app.deviceService.Start(app.ctx)
	if err == nil || !app.config.Brickd.AutoReconnect || errors.Is(err, protocol.ErrInvalidUID) {
		return err
	}

	var connectErr *protocol.ConnectError
	app.logger.Warn("Bricklet not reachable, retrying in background",
		zap.String("brickd", app.config.GetBrickdAddr()),
		zap.Bool("timeout", errors.As(err, &connectErr) && connectErr.Timeout()),
		zap.Error(err),
	)
	app.goBackground(func() {
		ticker := time.NewTicker(app.config.Brickd.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-app.ctx.Done():
				return
			case <-ticker.C:
			}
			if err := app.deviceService.Start(app.ctx); err != nil {
				app.logger.Debug("Bricklet still not reachable", zap.Error(err))
				continue
			}
			return
		}
	})
	return nil
}

// startBackgroundServices starts background services
func (app *Application) startBackgroundServices() {
	if app.relay != nil {
		app.goBackground(func() {
			if err := app.relay.Run(app.ctx); err != nil {
				app.logger.Error("Serial relay stopped", zap.Error(err))
			}
		})
	}

	if app.journal != nil && app.config.Database.Retention > 0 {
		app.goBackground(app.startCleanupService)
	}

	app.logger.Info("Background services started")
}

// startCleanupService prunes old journal rows
func (app *Application) startCleanupService() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	app.logger.Info("Cleanup service started", zap.Duration("retention", app.config.Database.Retention))

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(app.ctx, 10*time.Minute)
		deleted, err := app.journal.Prune(ctx, app.config.Database.Retention)
		cancel()
		if err != nil {
			app.logger.Error("Failed to prune event journal", zap.Error(err))
		} else if deleted > 0 {
			app.logger.Info("Pruned event journal", zap.Int64("deleted", deleted))
		}
	}
}

func (app *Application) goBackground(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "bricklet-service")
	serviceLogger.LogServiceStop("shutdown")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
		cancel()
	}

	app.cancel()
	if app.deviceService != nil {
		app.deviceService.Stop()
	}
	// also closes the relay port so a blocked read returns
	if app.relay != nil {
		app.relay.Close()
	}
	app.wg.Wait()

	if app.relayPort != nil {
		if err := app.relayPort.Close(); err != nil {
			app.logger.Error("Relay port close error", zap.Error(err))
		}
	}
	if app.wsHandler != nil {
		app.wsHandler.Close()
	}
	if app.mqttPublisher != nil {
		app.mqttPublisher.Close()
	}
	if app.journal != nil {
		app.journal.Close()
	}
	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
