package config

import (
	"fmt"
	"net/url"
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

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Worker   WorkerConfig   `yaml:"worker"`
	Client   ClientConfig   `yaml:"client"`
	Web      WebConfig      `yaml:"web"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	HistoryLimit    int           `yaml:"history_limit"`
}

// DatabaseConfig holds job store connection configuration.
// Driver is "sqlite" (DSN is a file path or ":memory:") or "postgres".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
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

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// When Enabled is false the backend queues jobs in memory.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
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
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
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
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds settings of the embedded extraction worker
type WorkerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	MaxPages          int           `yaml:"max_pages"`
}

// ClientConfig holds the web client's backend and polling settings
type ClientConfig struct {
	BaseURL                string        `yaml:"base_url"`
	Timeout                time.Duration `yaml:"timeout"`
	Language               string        `yaml:"language"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	PollTimeout            time.Duration `yaml:"poll_timeout"`
	SubmitRetries          int           `yaml:"submit_retries"`
	SubmitBackoff          time.Duration `yaml:"submit_backoff"`
	BackoffMultiplier      float64       `yaml:"backoff_multiplier"`
}

// WebConfig holds the web client's own HTTP and session settings
type WebConfig struct {
	Port            int           `yaml:"port"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	HistoryLimit    int           `yaml:"history_limit"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SecureCookies   bool          `yaml:"secure_cookies"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "invoice-assist")
	setString(&c.App.Environment, "development")
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 30*time.Second)
	setDuration(&c.Server.WriteTimeout, 60*time.Second)
	setDuration(&c.Server.IdleTimeout, 120*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)
	setInt(&c.Server.MaxUploadMB, 20)
	setInt(&c.Server.HistoryLimit, 50)

	setString(&c.Database.Driver, "sqlite")
	if c.Database.Driver == "sqlite" {
		setString(&c.Database.DSN, "invoice-assist.db")
	}
	setInt(&c.Database.Port, 5432)
	setString(&c.Database.SSLMode, "disable")

	setInt(&c.RabbitMQ.Port, 5672)
	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Name, "invoice_jobs")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setString(&c.RabbitMQ.Queue.Name, "invoice_jobs")
	setString(&c.RabbitMQ.RoutingKey, "invoice.process")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, 1)

	setInt(&c.Worker.Concurrency, 2)
	setDuration(&c.Worker.JobTimeout, 5*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	setInt(&c.Worker.MaxRetries, 3)
	setInt(&c.Worker.MaxPages, 50)

	setString(&c.Client.BaseURL, "http://localhost:8080/api")
	setDuration(&c.Client.Timeout, 30*time.Second)
	setString(&c.Client.Language, "eng")
	setDuration(&c.Client.PollInterval, 2*time.Second)
	setInt(&c.Client.MaxConsecutiveFailures, 5)
	setDuration(&c.Client.PollTimeout, 10*time.Minute)
	setInt(&c.Client.SubmitRetries, 3)
	setDuration(&c.Client.SubmitBackoff, 500*time.Millisecond)
	if c.Client.BackoffMultiplier <= 0 {
		c.Client.BackoffMultiplier = 2
	}

	setInt(&c.Web.Port, 3000)
	setInt(&c.Web.MaxUploadMB, 20)
	setDuration(&c.Web.RefreshInterval, 2*time.Second)
	setInt(&c.Web.HistoryLimit, 5)
	setDuration(&c.Web.SessionTTL, 30*time.Minute)
	setDuration(&c.Web.SweepInterval, time.Minute)
	setDuration(&c.Web.ShutdownTimeout, 15*time.Second)
}

// ValidateBackendConfig checks the sections used by the backend service
func (c *Config) ValidateBackendConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server max_upload_mb must be greater than 0")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("database host is required")
			}
			if c.Database.Port < MinPort || c.Database.Port > MaxPort {
				return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.RabbitMQ.Enabled {
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
	}

	if c.Worker.Enabled {
		if err := c.validateWorkerConfig(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	return nil
}

// ValidateWebConfig checks the sections used by the web client
func (c *Config) ValidateWebConfig() error {
	if c.Web.Port < MinPort || c.Web.Port > MaxPort {
		return fmt.Errorf("invalid web port: %d (must be between %d and %d)", c.Web.Port, MinPort, MaxPort)
	}

	u, err := url.Parse(c.Client.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("client base_url must be an absolute http(s) URL: %q", c.Client.BaseURL)
	}

	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("client poll_interval must be greater than 0")
	}

	if c.Client.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("client max_consecutive_failures must be greater than 0")
	}

	if c.Client.SubmitRetries < 0 {
		return fmt.Errorf("client submit_retries must not be negative")
	}

	if c.Web.MaxUploadMB <= 0 {
		return fmt.Errorf("web max_upload_mb must be greater than 0")
	}

	return nil
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
