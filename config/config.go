// Package config loads the service configuration from the environment, reading an optional
// .env file first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Shexroz002/rate-limit/limiter"
	"github.com/Shexroz002/rate-limit/logging"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	AppName  string `env:"APP_NAME" envDefault:"rate-limit"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8000"`
	GRPCAddr string `env:"GRPC_ADDR"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	StoreBackend        string        `env:"STORE_BACKEND" envDefault:"redis"`
	RedisURL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPoolSize       int           `env:"REDIS_POOL_SIZE" envDefault:"20"`
	RedisConnectRetries int           `env:"REDIS_CONNECT_RETRIES" envDefault:"3"`
	RedisRetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s"`
	StoreTimeout        time.Duration `env:"STORE_TIMEOUT" envDefault:"100ms"`

	DatabaseURL            string        `env:"DATABASE_URL"`
	DatabaseMaxConns       int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	DatabaseConnectRetries int           `env:"DATABASE_CONNECT_RETRIES" envDefault:"3"`
	DatabaseRetryInterval  time.Duration `env:"DATABASE_RETRY_INTERVAL" envDefault:"2s"`

	Algorithm     string `env:"RATE_LIMIT_ALGORITHM" envDefault:"fixed_window"`
	DefaultLimit  int    `env:"DEFAULT_RATE_LIMIT" envDefault:"100"`
	DefaultWindow int    `env:"DEFAULT_RATE_LIMIT_WINDOW" envDefault:"60"`

	SnapshotKey       string        `env:"SNAPSHOT_KEY" envDefault:"rate_limit_rules_v1"`
	SnapshotCacheTTL  time.Duration `env:"SNAPSHOT_CACHE_TTL" envDefault:"5s"` // 0 reads the snapshot on every request
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"60s"`
	SyncLockKey       string        `env:"SYNC_LOCK_KEY" envDefault:"rate_limit:sync_lock"`
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case limiter.StorageRedis, limiter.StorageMemory:
	default:
		return fmt.Errorf("%w: STORE_BACKEND must be %q or %q, got %q", ErrInvalidConfig, limiter.StorageRedis, limiter.StorageMemory, c.StoreBackend)
	}
	if c.StoreBackend == limiter.StorageRedis && c.RedisURL == "" {
		return fmt.Errorf("%w: REDIS_URL is required for the redis backend", ErrInvalidConfig)
	}
	if _, err := limiter.ParseAlgorithm(c.Algorithm); err != nil {
		return fmt.Errorf("%w: RATE_LIMIT_ALGORITHM: %w", ErrInvalidConfig, err)
	}
	if c.DefaultLimit <= 0 || c.DefaultWindow <= 0 {
		return fmt.Errorf("%w: DEFAULT_RATE_LIMIT and DEFAULT_RATE_LIMIT_WINDOW must be positive", ErrInvalidConfig)
	}
	if c.SyncInterval <= 0 || c.StoreTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: SYNC_INTERVAL, STORE_TIMEOUT and SHUTDOWN_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.SnapshotCacheTTL < 0 {
		return fmt.Errorf("%w: SNAPSHOT_CACHE_TTL must not be negative", ErrInvalidConfig)
	}
	if c.RedisConnectRetries <= 0 || c.DatabaseConnectRetries <= 0 {
		return fmt.Errorf("%w: REDIS_CONNECT_RETRIES and DATABASE_CONNECT_RETRIES must be positive", ErrInvalidConfig)
	}
	if c.SnapshotKey == "" {
		return fmt.Errorf("%w: SNAPSHOT_KEY must not be empty", ErrInvalidConfig)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: HTTP_ADDR must not be empty", ErrInvalidConfig)
	}
	switch c.LogFormat {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be %q or %q", ErrInvalidConfig, logging.FormatJSON, logging.FormatConsole)
	}
	return nil
}

// DefaultPolicy is the policy applied to paths without a configured rule.
func (c Config) DefaultPolicy() limiter.Policy {
	algorithm, err := limiter.ParseAlgorithm(c.Algorithm)
	if err != nil {
		algorithm = limiter.FixedWindow
	}
	return limiter.Policy{
		Algorithm: algorithm,
		Limit:     c.DefaultLimit,
		Window:    c.DefaultWindow,
		KeyType:   limiter.KeyTypeIP,
	}
}
