package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API          APIConfig          `mapstructure:"api"`
	User         UserConfig         `mapstructure:"user"`
	Connection   ConnectionConfig   `mapstructure:"connection"`
	Events       EventsConfig       `mapstructure:"events"`
	Store        StoreConfig        `mapstructure:"store"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryDelay    int    `mapstructure:"retry_delay_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type UserConfig struct {
	ID string `mapstructure:"id"`
	// Token is an optional initial token; without it one is fetched.
	Token string `mapstructure:"token"`
}

type ConnectionConfig struct {
	URL              string        `mapstructure:"url"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxTokenRetries  int           `mapstructure:"max_token_retries"`
	Binary           bool          `mapstructure:"binary"`
}

type EventsConfig struct {
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	MaxBatchAge  time.Duration `mapstructure:"max_batch_age"`
}

type StoreConfig struct {
	Driver      StoreDriver   `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type ReachabilityConfig struct {
	// ProbeAddr is a host:port dialed to detect connectivity. Empty
	// disables probing and assumes the network is up.
	ProbeAddr     string        `mapstructure:"probe_addr"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("api.retry_count", 3)
	v.SetDefault("api.retry_delay_sec", 1)
	v.SetDefault("api.rate_per_second", 5)
	v.SetDefault("connection.url", "ws://localhost:8080/connect")
	v.SetDefault("connection.ping_interval", "25s")
	v.SetDefault("connection.pong_timeout", "3s")
	v.SetDefault("connection.handshake_timeout", "10s")
	v.SetDefault("connection.base_delay", "500ms")
	v.SetDefault("connection.max_delay", "25s")
	v.SetDefault("connection.max_token_retries", 3)
	v.SetDefault("connection.binary", false)
	v.SetDefault("events.max_batch_size", 100)
	v.SetDefault("events.max_batch_age", "50ms")
	v.SetDefault("store.driver", string(StoreMemory))
	v.SetDefault("store.path", "chatsync.db")
	v.SetDefault("store.busy_timeout", "5s")
	v.SetDefault("reachability.probe_interval", "5s")
	v.SetDefault("reachability.probe_timeout", "2s")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("api.api_key", "CHATSYNC_API_KEY")
	_ = v.BindEnv("user.id", "CHATSYNC_USER_ID")
	_ = v.BindEnv("user.token", "CHATSYNC_USER_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("chatsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// APITimeout returns the REST timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// APIRetryDelay returns the base REST retry delay as a duration.
func (c *Config) APIRetryDelay() time.Duration {
	return time.Duration(c.API.RetryDelay) * time.Second
}
