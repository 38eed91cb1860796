// Package config loads actrun settings. Priority: flags > ACTRUN_* env vars >
// settings.json > defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/actrun/internal/patch"
)

type (
	// Config holds all actrun server configuration
	Config struct {
		ListenAddr string `mapstructure:"listen_addr"`
		LogLevel   string `mapstructure:"log_level"`
		LogFormat  string `mapstructure:"log_format"`

		Store     StoreConfig     `mapstructure:"store"`
		Engine    EngineConfig    `mapstructure:"engine"`
		Webhook   WebhookConfig   `mapstructure:"webhook"`
		GitHub    GitHubConfig    `mapstructure:"github"`
		Vault     VaultConfig     `mapstructure:"vault"`
		Scheduler SchedulerConfig `mapstructure:"scheduler"`

		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	}

	// StoreConfig selects and configures the persistence backend
	StoreConfig struct {
		Driver string      `mapstructure:"driver"`
		DBPath string      `mapstructure:"db_path"`
		Redis  RedisConfig `mapstructure:"redis"`
	}

	// RedisConfig configures the Redis store and event hub
	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	}

	// EngineConfig tunes how acts run
	EngineConfig struct {
		PoolSize            int               `mapstructure:"pool_size"`
		SequenceConcurrency int               `mapstructure:"sequence_concurrency"`
		FlushPolicy         patch.FlushPolicy `mapstructure:"flush_policy"`
		PollInterval        time.Duration     `mapstructure:"poll_interval"`
		WaitTimeout         time.Duration     `mapstructure:"wait_timeout"`
	}

	// WebhookConfig configures the GitHub webhook endpoint
	WebhookConfig struct {
		Secret      string `mapstructure:"secret"`
		Concurrency int    `mapstructure:"concurrency"`
	}

	// GitHubConfig configures the outbound GitHub API client
	GitHubConfig struct {
		BaseURL string `mapstructure:"base_url"`
	}

	// VaultConfig configures secret encryption. Either MasterKey or
	// Passphrase with Salt must be set for secrets to be stored.
	VaultConfig struct {
		MasterKey  string `mapstructure:"master_key"`
		Passphrase string `mapstructure:"passphrase"`
		Salt       string `mapstructure:"salt"`
	}

	// SchedulerConfig configures the cron trigger scheduler
	SchedulerConfig struct {
		Enabled bool          `mapstructure:"enabled"`
		Tick    time.Duration `mapstructure:"tick"`
	}
)

// Store drivers.
const (
	DriverLibSQL = "libsql"
	DriverRedis  = "redis"
)

const (
	EnvPrefix = "ACTRUN"

	DefaultListenAddr      = ":4100"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultRedisAddr       = "localhost:6379"
	DefaultRedisPrefix     = "actrun"
	DefaultPoolSize        = 10
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultWaitTimeout     = 30 * time.Minute
	DefaultWebhookWorkers  = 4
	DefaultSchedulerTick   = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	MaxPoolSize = 10_000
)

var (
	ErrInvalidListenAddr    = errors.New("listen address is required")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLogFormat     = errors.New("invalid log format")
	ErrInvalidStoreDriver   = errors.New("invalid store driver")
	ErrMissingDBPath        = errors.New("libsql store requires a database path")
	ErrMissingRedisAddr     = errors.New("redis store requires an address")
	ErrInvalidPoolSize      = errors.New("invalid pool size")
	ErrInvalidConcurrency   = errors.New("sequence concurrency must be positive")
	ErrInvalidFlushPolicy   = errors.New("invalid flush policy")
	ErrInvalidPollInterval  = errors.New("poll interval must be positive")
	ErrInvalidWaitTimeout   = errors.New("wait timeout cannot be negative")
	ErrInvalidSchedulerTick = errors.New("scheduler tick must be at least one second")
	ErrVaultSaltRequired    = errors.New("vault passphrase requires a salt")
)

// Dir returns the actrun home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".actrun"
	}
	return filepath.Join(home, ".actrun")
}

// SettingsPath returns the default settings file.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}

// SetDefaults registers every key with its default so env vars and the
// settings file can override any of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)

	v.SetDefault("store.driver", DriverLibSQL)
	v.SetDefault("store.db_path", filepath.Join(Dir(), "actrun.db"))
	v.SetDefault("store.redis.addr", DefaultRedisAddr)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", DefaultRedisPrefix)

	v.SetDefault("engine.pool_size", DefaultPoolSize)
	v.SetDefault("engine.sequence_concurrency", 1)
	v.SetDefault("engine.flush_policy", string(patch.FlushOnComplete))
	v.SetDefault("engine.poll_interval", DefaultPollInterval)
	v.SetDefault("engine.wait_timeout", DefaultWaitTimeout)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.concurrency", DefaultWebhookWorkers)
	v.SetDefault("github.base_url", "")

	v.SetDefault("vault.master_key", "")
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", DefaultSchedulerTick)

	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
}

// New returns a viper instance with defaults and environment binding set
// up. Nested keys map to env vars with dots replaced by underscores, so
// store.redis.addr is ACTRUN_STORE_REDIS_ADDR.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the settings file at path, if it exists, into v and decodes
// the result. An empty path uses SettingsPath.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = SettingsPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with nothing overridden.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	SetDefaults(v)
	_ = v.Unmarshal(cfg)
	return cfg
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLogLevel, c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLogFormat, c.LogFormat)
	}

	switch c.Store.Driver {
	case DriverLibSQL:
		if c.Store.DBPath == "" {
			return ErrMissingDBPath
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStoreDriver, c.Store.Driver)
	}

	if c.Engine.PoolSize <= 0 || c.Engine.PoolSize > MaxPoolSize {
		return fmt.Errorf("%w: %d", ErrInvalidPoolSize, c.Engine.PoolSize)
	}
	if c.Engine.SequenceConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if !c.Engine.FlushPolicy.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFlushPolicy, c.Engine.FlushPolicy)
	}
	if c.Engine.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.Engine.WaitTimeout < 0 {
		return ErrInvalidWaitTimeout
	}

	if c.Scheduler.Enabled && c.Scheduler.Tick < time.Second {
		return ErrInvalidSchedulerTick
	}
	if c.Vault.Passphrase != "" && c.Vault.Salt == "" && c.Vault.MasterKey == "" {
		return ErrVaultSaltRequired
	}
	return nil
}

// VaultEnabled reports whether secrets can be encrypted at rest.
func (c *Config) VaultEnabled() bool {
	return c.Vault.MasterKey != "" || c.Vault.Passphrase != ""
}
