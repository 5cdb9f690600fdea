package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Engine tunable defaults, applied when the config file leaves them unset
const (
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = 2 * time.Second
	DefaultBatchSize        = 100
	DefaultInterBatchDelay  = 1 * time.Second
	DefaultStallThreshold   = 5 * time.Minute
	DefaultTravelTimeFactor = 1.25
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Providers ProvidersConfig `yaml:"providers"`
	Engine    EngineConfig    `yaml:"engine"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ProvidersConfig holds the external mapping provider settings
type ProvidersConfig struct {
	Geocoder ProviderConfig `yaml:"geocoder"`
	Matrix   ProviderConfig `yaml:"matrix"`
	Origin   OriginConfig   `yaml:"origin"`
}

// ProviderConfig holds one HTTP provider endpoint
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// OriginConfig is the fixed origin point all distances are computed from
type OriginConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// EngineConfig holds enrichment engine tunables. Unset values fall back to
// the documented defaults.
type EngineConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BatchSize        int           `yaml:"batch_size"`
	InterBatchDelay  time.Duration `yaml:"inter_batch_delay"`
	StallThreshold   time.Duration `yaml:"stall_threshold"`
	TravelTimeFactor float64       `yaml:"travel_time_factor"`
}

// Load reads and parses the configuration file, applying engine defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = DefaultMaxAttempts
	}
	if c.Engine.BackoffBase <= 0 {
		c.Engine.BackoffBase = DefaultBackoffBase
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = DefaultBatchSize
	}
	if c.Engine.InterBatchDelay <= 0 {
		c.Engine.InterBatchDelay = DefaultInterBatchDelay
	}
	if c.Engine.StallThreshold <= 0 {
		c.Engine.StallThreshold = DefaultStallThreshold
	}
	if c.Engine.TravelTimeFactor <= 0 {
		c.Engine.TravelTimeFactor = DefaultTravelTimeFactor
	}
}

// ValidateAPIConfig checks the configuration needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the configuration needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Providers.Geocoder.BaseURL == "" {
		return fmt.Errorf("geocoder base_url is required")
	}

	if c.Providers.Matrix.BaseURL == "" {
		return fmt.Errorf("matrix base_url is required")
	}

	if c.Providers.Origin.Latitude < -90 || c.Providers.Origin.Latitude > 90 {
		return fmt.Errorf("invalid origin latitude: %f", c.Providers.Origin.Latitude)
	}

	if c.Providers.Origin.Longitude < -180 || c.Providers.Origin.Longitude > 180 {
		return fmt.Errorf("invalid origin longitude: %f", c.Providers.Origin.Longitude)
	}

	if c.Engine.BatchSize < 1 || c.Engine.BatchSize > 100 {
		return fmt.Errorf("invalid engine batch_size: %d (must be between 1 and 100)", c.Engine.BatchSize)
	}

	if c.Engine.TravelTimeFactor < 1 {
		return fmt.Errorf("invalid engine travel_time_factor: %f (must be >= 1)", c.Engine.TravelTimeFactor)
	}

	return nil
}

// validateShared checks the configuration both services depend on
func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
