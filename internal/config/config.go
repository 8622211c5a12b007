package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	API      APIConfig     `mapstructure:"api"`
	Accounts []string      `mapstructure:"accounts"`
	Stream   StreamConfig  `mapstructure:"stream"`
	Command  CommandConfig `mapstructure:"command"`
	State    StateConfig   `mapstructure:"state"`
	Ops      OpsConfig     `mapstructure:"ops"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Token         string `mapstructure:"token"`
	Version       string `mapstructure:"version"`
	UserAgent     string `mapstructure:"user_agent"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryDelaySec int    `mapstructure:"retry_delay_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type StreamConfig struct {
	Drivers            bool    `mapstructure:"drivers"` // also stream driver states
	ReadIdleTimeoutSec int     `mapstructure:"read_idle_timeout_sec"`
	BackoffInitialSec  int     `mapstructure:"backoff_initial_sec"`
	BackoffCeilingSec  int     `mapstructure:"backoff_ceiling_sec"`
	BackoffFactor      float64 `mapstructure:"backoff_factor"`
	BackoffJitter      float64 `mapstructure:"backoff_jitter"`
	StabilityWindowSec int     `mapstructure:"stability_window_sec"`
}

type CommandConfig struct {
	PollInitialSec float64 `mapstructure:"poll_initial_sec"`
	PollFactor     float64 `mapstructure:"poll_factor"`
	PollMaxSec     float64 `mapstructure:"poll_max_sec"`
	ExpirySec      int     `mapstructure:"expiry_sec"`
}

type StateConfig struct {
	Directory string `mapstructure:"directory"`
}

type OpsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("api.base_url", "https://api.navirec.com")
	v.SetDefault("api.version", "1.45.0")
	v.SetDefault("api.user_agent", "fleet-streamer")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("api.retry_count", 3)
	v.SetDefault("api.retry_delay_sec", 5)
	v.SetDefault("api.rate_per_second", 5)
	v.SetDefault("stream.drivers", false)
	v.SetDefault("stream.read_idle_timeout_sec", 35)
	v.SetDefault("stream.backoff_initial_sec", 1)
	v.SetDefault("stream.backoff_ceiling_sec", 60)
	v.SetDefault("stream.backoff_factor", 2.0)
	v.SetDefault("stream.backoff_jitter", 0.2)
	v.SetDefault("stream.stability_window_sec", 30)
	v.SetDefault("command.poll_initial_sec", 2.0)
	v.SetDefault("command.poll_factor", 1.5)
	v.SetDefault("command.poll_max_sec", 900.0)
	v.SetDefault("command.expiry_sec", 3600)
	v.SetDefault("state.directory", "state")
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.listen_addr", ":9090")
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("FLEETSTREAMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("api.token", "FLEETSTREAMER_API_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
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

func (c *Config) Validate() error {
	if c.API.Token == "" {
		return fmt.Errorf("api token is required (set FLEETSTREAMER_API_TOKEN env var)")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account id is required")
	}
	for _, a := range c.Accounts {
		if _, err := uuid.Parse(a); err != nil {
			return fmt.Errorf("invalid account id %q: %w", a, err)
		}
	}
	if c.Stream.ReadIdleTimeoutSec <= 30 {
		return fmt.Errorf("read_idle_timeout_sec must be greater than the 30s heartbeat interval")
	}
	if c.Stream.BackoffFactor <= 1 {
		return fmt.Errorf("backoff_factor must be > 1")
	}
	return nil
}

// AccountIDs returns the parsed account UUIDs. Validate must have passed.
func (c *Config) AccountIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if id, err := uuid.Parse(a); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReadIdleTimeout returns the stream read-idle window as a duration.
func (c *StreamConfig) ReadIdleTimeout() time.Duration {
	return time.Duration(c.ReadIdleTimeoutSec) * time.Second
}
