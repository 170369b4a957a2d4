package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "postgres", cfg.Database.Driver)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "invoices_db", cfg.Database.Database)
				assert.True(t, cfg.RabbitMQ.Enabled)
				assert.Equal(t, "invoice_jobs", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, 2, cfg.RabbitMQ.Consumer.PrefetchCount)
				assert.Equal(t, 100*time.Millisecond, cfg.RabbitMQ.Publish.RetryInterval)
				assert.Equal(t, 4, cfg.Worker.Concurrency)
				assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout)
				assert.Equal(t, "deu", cfg.Client.Language)
				assert.Equal(t, time.Second, cfg.Client.PollInterval)
				assert.Equal(t, time.Hour, cfg.Web.SessionTTL)
				assert.Equal(t, "invoice-assist", cfg.App.Name)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Run("empty config", func(t *testing.T) {
		cfg := &Config{}
		cfg.ApplyDefaults()

		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "invoice-assist.db", cfg.Database.DSN)
		assert.False(t, cfg.RabbitMQ.Enabled)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 20, cfg.Server.MaxUploadMB)
		assert.Equal(t, 2*time.Second, cfg.Client.PollInterval)
		assert.Equal(t, 5, cfg.Client.MaxConsecutiveFailures)
		assert.Equal(t, 3, cfg.Client.SubmitRetries)
		assert.Equal(t, 2.0, cfg.Client.BackoffMultiplier)
		assert.Equal(t, 3000, cfg.Web.Port)
		assert.Equal(t, 5, cfg.Web.HistoryLimit)

		require.NoError(t, cfg.ValidateBackendConfig())
		require.NoError(t, cfg.ValidateWebConfig())
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		cfg.ApplyDefaults()

		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Empty(t, cfg.Database.DSN)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, 3, cfg.Client.MaxConsecutiveFailures)
		assert.Equal(t, 10*time.Minute, cfg.Client.PollTimeout)

		require.NoError(t, cfg.ValidateBackendConfig())
		require.NoError(t, cfg.ValidateWebConfig())
	})
}

func validBackendConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateBackendConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid sqlite config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = -1 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Database.Driver = "mysql" },
			wantErr:   true,
			errString: "unsupported database driver",
		},
		{
			name:      "sqlite without dsn",
			mutate:    func(c *Config) { c.Database.DSN = "" },
			wantErr:   true,
			errString: "database dsn is required",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.DSN = ""
				c.Database.Database = "invoices_db"
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "postgres without database name",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.DSN = ""
				c.Database.Host = "localhost"
			},
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name: "postgres with dsn",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.DSN = "postgres://localhost/invoices_db"
			},
			wantErr: false,
		},
		{
			name: "rabbitmq enabled without host",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = ""
			},
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name: "rabbitmq disabled ignores host",
			mutate: func(c *Config) {
				c.RabbitMQ.Host = ""
			},
			wantErr: false,
		},
		{
			name: "rabbitmq enabled without queue",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = "localhost"
				c.RabbitMQ.Queue.Name = ""
			},
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "worker concurrency",
			mutate: func(c *Config) {
				c.Worker.Enabled = true
				c.Worker.Concurrency = -1
			},
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name: "worker negative retries",
			mutate: func(c *Config) {
				c.Worker.Enabled = true
				c.Worker.MaxRetries = -1
			},
			wantErr:   true,
			errString: "worker max_retries must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBackendConfig()
			tt.mutate(cfg)

			err := cfg.ValidateBackendConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWebConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:      "relative base url",
			mutate:    func(c *Config) { c.Client.BaseURL = "/api" },
			errString: "client base_url must be an absolute http(s) URL",
		},
		{
			name:      "unsupported scheme",
			mutate:    func(c *Config) { c.Client.BaseURL = "ftp://backend/api" },
			errString: "client base_url must be an absolute http(s) URL",
		},
		{
			name:      "invalid port",
			mutate:    func(c *Config) { c.Web.Port = 70000 },
			errString: "invalid web port",
		},
		{
			name:      "negative poll interval",
			mutate:    func(c *Config) { c.Client.PollInterval = -time.Second },
			errString: "client poll_interval must be greater than 0",
		},
		{
			name:      "negative failure cap",
			mutate:    func(c *Config) { c.Client.MaxConsecutiveFailures = -1 },
			errString: "client max_consecutive_failures must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBackendConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWebConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
