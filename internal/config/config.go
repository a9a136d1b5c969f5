// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "BRICKLET_SERVICE"

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Brickd   BrickdConfig   `mapstructure:"brickd"`
	Device   DeviceConfig   `mapstructure:"device"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Database DatabaseConfig `mapstructure:"database"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Security SecurityConfig `mapstructure:"security"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// BrickdConfig represents the bridge daemon connection settings
type BrickdConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	KeepAlive         bool          `mapstructure:"keep_alive"`
	AutoReconnect     bool          `mapstructure:"auto_reconnect"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	ScanWindow        time.Duration `mapstructure:"scan_window"`
}

// DeviceConfig represents the bricklet served by this process
type DeviceConfig struct {
	UID                string           `mapstructure:"uid"`
	Type               string           `mapstructure:"type"`
	EnableReadCallback bool             `mapstructure:"enable_read_callback"`
	ApplyConfiguration bool             `mapstructure:"apply_configuration"`
	OperationTimeout   time.Duration    `mapstructure:"operation_timeout"`
	Serial             SerialLineConfig `mapstructure:"serial"`
	Buffer             BufferConfig     `mapstructure:"buffer"`
}

// SerialLineConfig represents the RS232 line settings of the bricklet
type SerialLineConfig struct {
	BaudRate    int    `mapstructure:"baud_rate"`
	Parity      string `mapstructure:"parity"`
	StopBits    int    `mapstructure:"stop_bits"`
	WordLength  int    `mapstructure:"word_length"`
	FlowControl string `mapstructure:"flow_control"`
}

// BufferConfig represents the bricklet buffer split
type BufferConfig struct {
	SendSize    int `mapstructure:"send_size"`
	ReceiveSize int `mapstructure:"receive_size"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MQTTConfig represents the MQTT event sink
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BrokerURL   string `mapstructure:"broker_url"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// DatabaseConfig represents the read event journal database
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
	Retention      time.Duration `mapstructure:"retention"`
}

// RelayConfig represents the local serial port bridged to the bricklet
type RelayConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// SecurityConfig represents HTTP security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from the default search paths and environment variables
func Load() (*Config, error) {
	return LoadWithViper(viper.New(), "")
}

// LoadFile loads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	return LoadWithViper(viper.New(), path)
}

// LoadWithViper loads configuration into v, which may already carry bound flags
func LoadWithViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/bricklet-service")
	}

	// Environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file, a missing file is fine when searching
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "bricklet-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Brickd defaults
	v.SetDefault("brickd.host", "127.0.0.1")
	v.SetDefault("brickd.port", 4223)
	v.SetDefault("brickd.connect_timeout", "5s")
	v.SetDefault("brickd.response_timeout", "2500ms")
	v.SetDefault("brickd.keep_alive", true)
	v.SetDefault("brickd.auto_reconnect", true)
	v.SetDefault("brickd.reconnect_interval", "2s")
	v.SetDefault("brickd.scan_window", "1s")

	// Device defaults
	v.SetDefault("device.uid", "")
	v.SetDefault("device.type", "rs232_v2")
	v.SetDefault("device.enable_read_callback", true)
	v.SetDefault("device.apply_configuration", false)
	v.SetDefault("device.operation_timeout", "10s")
	v.SetDefault("device.serial.baud_rate", 115200)
	v.SetDefault("device.serial.parity", "none")
	v.SetDefault("device.serial.stop_bits", 1)
	v.SetDefault("device.serial.word_length", 8)
	v.SetDefault("device.serial.flow_control", "off")
	v.SetDefault("device.buffer.send_size", 5120)
	v.SetDefault("device.buffer.receive_size", 5120)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "bricklet-service")
	v.SetDefault("mqtt.topic_prefix", "bricklets")
	v.SetDefault("mqtt.qos", 0)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "bricklet_service")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", "720h")

	// Relay defaults
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.baud_rate", 9600)
	v.SetDefault("relay.data_bits", 8)
	v.SetDefault("relay.stop_bits", 1)
	v.SetDefault("relay.parity", "none")
	v.SetDefault("relay.read_timeout", "100ms")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Brickd.Host == "" {
		return fmt.Errorf("brickd.host is required")
	}
	if config.Brickd.Port <= 0 || config.Brickd.Port > 65535 {
		return fmt.Errorf("brickd.port must be between 1 and 65535, got %d", config.Brickd.Port)
	}
	if config.Brickd.ResponseTimeout <= 0 {
		return fmt.Errorf("brickd.response_timeout must be positive")
	}
	if config.Device.OperationTimeout <= 0 {
		return fmt.Errorf("device.operation_timeout must be positive")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	validParity := []string{"none", "odd", "even", "forced_1", "forced_0"}
	if !contains(validParity, config.Device.Serial.Parity) {
		return fmt.Errorf("device.serial.parity must be one of: %v", validParity)
	}
	validFlow := []string{"off", "software", "hardware"}
	if !contains(validFlow, config.Device.Serial.FlowControl) {
		return fmt.Errorf("device.serial.flow_control must be one of: %v", validFlow)
	}

	if config.MQTT.Enabled && config.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}
	if config.Relay.Enabled && config.Relay.Port == "" {
		return fmt.Errorf("relay.port is required when relay is enabled")
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// GetBrickdAddr returns the bridge daemon address
func (c *Config) GetBrickdAddr() string {
	return fmt.Sprintf("%s:%d", c.Brickd.Host, c.Brickd.Port)
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
