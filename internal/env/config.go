package env

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"

	"github.com/luma/relay/client"
)

type Config struct {
	Host string `env:"RELAY_HOST,default=localhost"`
	Port int    `env:"RELAY_PORT,default=6379"`

	TLS           bool   `env:"RELAY_TLS"`
	TLSServerName string `env:"RELAY_TLS_SERVER_NAME"`
	TLSInsecure   bool   `env:"RELAY_TLS_INSECURE"`

	DB         int    `env:"RELAY_DB"`
	Username   string `env:"RELAY_USERNAME"`
	Password   string `env:"RELAY_PASSWORD"`
	ClientName string `env:"RELAY_CLIENT_NAME,default=relay"`

	PoolSize     int `env:"RELAY_POOL_SIZE,default=1"`
	MaxBatchSize int `env:"RELAY_MAX_BATCH_SIZE,default=512"`

	DialTimeout         time.Duration `env:"RELAY_DIAL_TIMEOUT,default=5s"`
	ReadTimeout         time.Duration `env:"RELAY_READ_TIMEOUT,default=10s"`
	WriteTimeout        time.Duration `env:"RELAY_WRITE_TIMEOUT,default=10s"`
	CallTimeout         time.Duration `env:"RELAY_CALL_TIMEOUT,default=5s"`
	HealthCheckInterval time.Duration `env:"RELAY_HEALTH_CHECK_INTERVAL,default=30s"`

	LogLevel  string `env:"RELAY_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"RELAY_DEBUG_HTTP"`
}

// LoadConfig reads .env.local, when there is one, and then the RELAY_*
// environment variables.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env.local: %w", err)
	}

	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, err
	}

	if config.PoolSize < 1 {
		return nil, fmt.Errorf("RELAY_POOL_SIZE must be at least 1, got %d", config.PoolSize)
	}

	return &config, nil
}

// ClientOptions converts the config into client options.
func (c *Config) ClientOptions(log *zap.Logger) client.Options {
	options := client.Options{
		Host:                c.Host,
		Port:                c.Port,
		Username:            c.Username,
		Password:            c.Password,
		DB:                  c.DB,
		ClientName:          c.ClientName,
		PoolSize:            c.PoolSize,
		MaxBatchSize:        c.MaxBatchSize,
		DialTimeout:         c.DialTimeout,
		ReadTimeout:         c.ReadTimeout,
		WriteTimeout:        c.WriteTimeout,
		CallTimeout:         c.CallTimeout,
		HealthCheckInterval: c.HealthCheckInterval,
		Log:                 log,
	}

	if c.TLS {
		options.TLSConfig = &tls.Config{
			ServerName:         c.TLSServerName,
			InsecureSkipVerify: c.TLSInsecure, // nolint:gosec
			MinVersion:         tls.VersionTLS12,
		}
	}

	return options
}
